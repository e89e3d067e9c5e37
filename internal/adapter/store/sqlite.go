package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flowrun/internal/domain"
)

// SQLiteStore is the external-store collaborator: tool-server configurations,
// approval records, and per-user provider credentials in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_servers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			url        TEXT NOT NULL,
			auth_token TEXT NOT NULL DEFAULT '',
			headers    TEXT NOT NULL DEFAULT '{}',
			tools      TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS approvals (
			id           TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			node_id      TEXT NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			responded_by TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credentials (
			user_id  TEXT NOT NULL,
			provider TEXT NOT NULL,
			api_key  TEXT NOT NULL,
			PRIMARY KEY (user_id, provider)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time interface checks.
var (
	_ domain.ToolServerStore = (*SQLiteStore)(nil)
	_ domain.ApprovalStore   = (*SQLiteStore)(nil)
	_ domain.CredentialStore = (*SQLiteStore)(nil)
)

// --- Tool servers ---

// GetToolServers implements domain.ToolServerStore. Ids without a matching
// record are omitted from the result.
func (s *SQLiteStore) GetToolServers(_ context.Context, ids []string) ([]domain.ToolServerConfig, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(
		"SELECT id, name, url, auth_token, headers, tools FROM tool_servers WHERE id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolServerConfig
	for rows.Next() {
		var cfg domain.ToolServerConfig
		var headersStr, toolsStr string
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.URL, &cfg.AuthToken, &headersStr, &toolsStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headersStr), &cfg.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal tool server headers: %w", err)
		}
		if err := json.Unmarshal([]byte(toolsStr), &cfg.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal tool server tools: %w", err)
		}
		for _, t := range cfg.Tools {
			cfg.ToolNames = append(cfg.ToolNames, t.Name)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// PutToolServer inserts or replaces a tool-server configuration.
func (s *SQLiteStore) PutToolServer(_ context.Context, cfg domain.ToolServerConfig) error {
	headersJSON, err := json.Marshal(cfg.Headers)
	if err != nil {
		return fmt.Errorf("marshal tool server headers: %w", err)
	}
	if cfg.Headers == nil {
		headersJSON = []byte("{}")
	}
	toolsJSON, err := json.Marshal(cfg.Tools)
	if err != nil {
		return fmt.Errorf("marshal tool server tools: %w", err)
	}
	if cfg.Tools == nil {
		toolsJSON = []byte("[]")
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO tool_servers (id, name, url, auth_token, headers, tools, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.URL, cfg.AuthToken, string(headersJSON), string(toolsJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// --- Approvals ---

// CreateApproval implements domain.ApprovalStore.
func (s *SQLiteStore) CreateApproval(_ context.Context, rec domain.ApprovalRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO approvals (id, workflow_id, execution_id, node_id, message, status, responded_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.ExecutionID, rec.NodeID, rec.Message, string(rec.Status), rec.RespondedBy,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetApproval implements domain.ApprovalStore.
func (s *SQLiteStore) GetApproval(_ context.Context, id string) (*domain.ApprovalRecord, error) {
	row := s.db.QueryRow(
		"SELECT id, workflow_id, execution_id, node_id, message, status, responded_by, created_at, updated_at FROM approvals WHERE id = ?",
		id,
	)

	var rec domain.ApprovalRecord
	var status, createdStr, updatedStr string
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.ExecutionID, &rec.NodeID, &rec.Message, &status, &rec.RespondedBy, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrApprovalNotFound
		}
		return nil, err
	}
	rec.Status = domain.ApprovalStatus(status)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &rec, nil
}

// SetApprovalStatus implements domain.ApprovalStore. The WHERE clause makes
// the pending → terminal transition atomic: a record that already left
// pending is never overwritten.
func (s *SQLiteStore) SetApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, respondedBy string) error {
	res, err := s.db.Exec(
		"UPDATE approvals SET status = ?, responded_by = ?, updated_at = ? WHERE id = ? AND status = 'pending'",
		string(status), respondedBy, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish missing record from already-decided record.
		if _, err := s.GetApproval(ctx, id); err != nil {
			return err
		}
		return domain.ErrApprovalDecided
	}
	return nil
}

// --- Credentials ---

// GetCredentials implements domain.CredentialStore.
func (s *SQLiteStore) GetCredentials(_ context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT provider, api_key FROM credentials WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make(map[string]string)
	for rows.Next() {
		var provider, key string
		if err := rows.Scan(&provider, &key); err != nil {
			return nil, err
		}
		creds[provider] = key
	}
	return creds, rows.Err()
}

// PutCredential inserts or replaces one provider credential for a user.
func (s *SQLiteStore) PutCredential(_ context.Context, userID, provider, apiKey string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO credentials (user_id, provider, api_key) VALUES (?, ?, ?)",
		userID, provider, apiKey,
	)
	return err
}
