package toolserver

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"flowrun/internal/domain"
)

// Resolver turns a node spec's tool-server references into fully resolved
// configurations. Bare ids are looked up against the external store in one
// batch; inline configurations pass through untouched. Ids with no matching
// record are dropped, not errored, so a workflow saved with a since-deleted
// tool reference still executes as "tool unavailable".
type Resolver struct {
	store  domain.ToolServerStore
	logger *slog.Logger
}

// NewResolver creates a resolver backed by the external store.
func NewResolver(store domain.ToolServerStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the resolved tool-server configurations for spec, with
// credential placeholders in URLs substituted from creds. Substitution happens
// here, at dispatch time, so the substituted URL is never persisted.
func (r *Resolver) Resolve(ctx context.Context, spec domain.AgentNodeSpec, creds map[string]string) ([]domain.ToolServerConfig, error) {
	var ids []string
	var resolved []domain.ToolServerConfig

	seen := make(map[string]bool)
	addID := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for _, id := range spec.MCPServerIDs {
		addID(id)
	}
	for _, ref := range spec.ToolRefs {
		if ref.IsInline() {
			resolved = append(resolved, *ref.Inline)
			continue
		}
		addID(ref.ID)
	}

	if len(ids) > 0 {
		fromStore, err := r.store.GetToolServers(ctx, ids)
		if err != nil {
			return nil, domain.WrapOp("resolve tool servers", err)
		}
		if len(fromStore) < len(ids) {
			r.logger.Debug("tool server ids dropped",
				"requested", len(ids),
				"resolved", len(fromStore),
			)
		}
		resolved = append(resolved, fromStore...)
	}

	for i := range resolved {
		resolved[i].URL = substituteCredentials(resolved[i].URL, creds)
		resolved[i].AuthToken = substituteCredentials(resolved[i].AuthToken, creds)
	}

	return resolved, nil
}

// credPlaceholder matches tokens of the form {provider_api_key}, e.g.
// {openai_api_key}, embedded in stored tool-server URLs.
var credPlaceholder = regexp.MustCompile(`\{([a-z0-9_-]+)_api_key\}`)

// substituteCredentials replaces {provider_api_key} placeholders with the
// caller's own credential for that provider. Unknown placeholders are left
// as-is so the failure mode is a visible 401, not a silently mangled URL.
func substituteCredentials(s string, creds map[string]string) string {
	if !strings.Contains(s, "_api_key}") {
		return s
	}
	return credPlaceholder.ReplaceAllStringFunc(s, func(m string) string {
		provider := strings.TrimSuffix(strings.TrimPrefix(m, "{"), "_api_key}")
		if key, ok := creds[provider]; ok && key != "" {
			return key
		}
		return m
	})
}

// Legacy field names rewritten by MigrateLegacyNodeConfig.
var legacyIDListFields = []string{"mcpTools", "tools"}

// MigrateLegacyNodeConfig rewrites a raw per-node configuration object from
// legacy field names to the canonical shape: `mcpTools` or `tools` holding a
// list of bare server-id strings becomes `mcpServerIds`. A `tools` list that
// carries full inline objects is left untouched; those still resolve through
// the inline path. The input map is modified in place and returned.
func MigrateLegacyNodeConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}

	for _, field := range legacyIDListFields {
		raw, ok := cfg[field]
		if !ok {
			continue
		}
		ids, ok := bareIDList(raw)
		if !ok {
			continue
		}

		existing, _ := cfg["mcpServerIds"].([]any)
		for _, id := range ids {
			existing = append(existing, id)
		}
		cfg["mcpServerIds"] = existing
		delete(cfg, field)
	}

	return cfg
}

// bareIDList reports whether raw is a non-empty list of strings.
func bareIDList(raw any) ([]string, bool) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		ids = append(ids, s)
	}
	return ids, true
}
