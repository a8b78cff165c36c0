package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/querymt/qmt/internal/domain"
)

// GetOrCreateLLMConfig deduplicates (provider, model, params) by content
// hash, per spec.md §3's "LLM Config ... deduplicated by content" rule.
// domain.LLMConfig.ID holds that content hash as its PublicID stand-in,
// since llm_configs is an internal-only table (no separate public_id
// column — the content hash already uniquely addresses the row).
func (s *Store) GetOrCreateLLMConfig(ctx context.Context, provider, model string, params map[string]any) (*domain.LLMConfig, error) {
	hash := llmConfigHash(provider, model, params)

	var existing int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM llm_configs WHERE content_hash = ?`, hash)
	if err := row.Scan(&existing); err == nil {
		return &domain.LLMConfig{ID: domain.PublicID(hash), Provider: provider, Model: model, Params: params}, nil
	}

	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return nil, fmt.Errorf("store: marshal llm config params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO llm_configs (content_hash, provider, model, params_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`, hash, provider, model, paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("store: create llm config: %w", err)
	}
	return &domain.LLMConfig{ID: domain.PublicID(hash), Provider: provider, Model: model, Params: params}, nil
}

// llmConfigHash produces a stable content hash over (provider, model,
// params) independent of map key ordering.
func llmConfigHash(provider, model string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(provider)
	b.WriteByte('\x00')
	b.WriteString(model)
	for _, k := range keys {
		fmt.Fprintf(&b, "\x00%s=%v", k, params[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
