package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/taskmill/internal/recurrence"
)

// ErrRuleNotFound is returned when no projection exists for a rule id.
var ErrRuleNotFound = errors.New("persistence: rule not found")

// UpsertRule stores or refreshes the read-only projection of a recurrence
// rule. The coordinator consults projections per event and never caches
// mutable series state of its own.
func (s *Store) UpsertRule(ctx context.Context, rule *recurrence.Rule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", rule.ID, err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rules (id, template_id, rule_json, tombstoned, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (id) DO UPDATE SET
				template_id = excluded.template_id,
				rule_json   = excluded.rule_json,
				tombstoned  = excluded.tombstoned,
				updated_at  = CURRENT_TIMESTAMP;
		`, rule.ID, rule.TemplateID, string(raw), boolToInt(rule.Tombstoned))
		if err != nil {
			return fmt.Errorf("upsert rule %s: %w", rule.ID, err)
		}
		return nil
	})
}

// GetRule loads a rule projection by id.
func (s *Store) GetRule(ctx context.Context, id string) (*recurrence.Rule, error) {
	var raw string
	var tombstoned int
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_json, tombstoned FROM rules WHERE id = ?;
	`, id).Scan(&raw, &tombstoned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}

	var rule recurrence.Rule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("unmarshal rule %s: %w", id, err)
	}
	rule.Tombstoned = tombstoned != 0
	return &rule, nil
}

// GetRuleByTemplate loads the rule projection owned by a template task.
func (s *Store) GetRuleByTemplate(ctx context.Context, templateID string) (*recurrence.Rule, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM rules WHERE template_id = ? ORDER BY updated_at DESC LIMIT 1;
	`, templateID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rule for template %s: %w", templateID, err)
	}
	return s.GetRule(ctx, id)
}

// TombstoneRule marks a rule as deleted so the coordinator stops generating
// occurrences for its series.
func (s *Store) TombstoneRule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE rules SET tombstoned = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("tombstone rule %s: %w", id, err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
