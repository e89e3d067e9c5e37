package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"flowrun/internal/adapter/llm"
	"flowrun/internal/adapter/store"
	"flowrun/internal/adapter/toolserver"
	"flowrun/internal/domain"
	"flowrun/internal/infra/config"
	"flowrun/internal/infra/logger"
	"flowrun/internal/infra/tracer"
	"flowrun/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// nodeFile is the yaml document the CLI executes: one agent node spec plus
// the execution state slice it runs against.
type nodeFile struct {
	Node  domain.AgentNodeSpec `yaml:"node"`
	State struct {
		WorkflowID  string            `yaml:"workflowId"`
		ExecutionID string            `yaml:"executionId"`
		NodeID      string            `yaml:"nodeId"`
		UserID      string            `yaml:"userId"`
		Variables   map[string]any    `yaml:"variables"`
		Credentials map[string]string `yaml:"credentials"`
	} `yaml:"state"`
	RetryBudget int `yaml:"retryBudget"`
}

func run() error {
	configPath := flag.String("config", "", "path to config yaml")
	nodePath := flag.String("node", "", "path to agent node yaml (required)")
	flag.Parse()

	if *nodePath == "" {
		flag.Usage()
		return fmt.Errorf("missing -node")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	data, err := os.ReadFile(*nodePath)
	if err != nil {
		return fmt.Errorf("read node file: %w", err)
	}
	var nf nodeFile
	if err := yaml.Unmarshal(data, &nf); err != nil {
		return fmt.Errorf("parse node file: %w", err)
	}

	state := domain.ExecutionState{
		WorkflowID:  nf.State.WorkflowID,
		ExecutionID: nf.State.ExecutionID,
		NodeID:      nf.State.NodeID,
		UserID:      nf.State.UserID,
		Variables:   nf.State.Variables,
		Credentials: nf.State.Credentials,
	}
	if state.ExecutionID == "" {
		state.ExecutionID = ulid.Make().String()
	}

	// Credentials in the node file win; fall back to the store for the user.
	if len(state.Credentials) == 0 && state.UserID != "" {
		creds, err := db.GetCredentials(ctx, state.UserID)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		state.Credentials = creds
	}

	factory := llm.NewFactory(cfg, log)
	invoker := toolserver.NewClient(cfg.Tools, log)
	defer invoker.Close()

	resolver := toolserver.NewResolver(db, log)
	registry := usecase.NewProviderRateRegistry(cfg.RateLimit, log)
	dispatcher := usecase.NewDispatcher(factory, invoker, log)
	retry := usecase.NewRetryController(registry, dispatcher, log)
	executor := usecase.NewExecutor(resolver, retry, log)

	result, err := executor.ExecuteAgentNode(ctx, nf.Node, state, nf.RetryBudget)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
