package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reimonlp/greenhouse/internal/audit"
)

// Rule CRUD events broadcast to observers.
const (
	EventRuleCreated = "rule:created"
	EventRuleUpdated = "rule:updated"
	EventRuleDeleted = "rule:deleted"
)

// Broadcaster delivers an event to every connected observer.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// AuditRecorder stores a system log entry.
type AuditRecorder interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// Manager validates and persists rule changes, then announces them.
type Manager struct {
	repo     Repository
	recorder AuditRecorder
	hub      Broadcaster
	logger   Logger
	now      func() time.Time
}

// NewManager creates a Manager. recorder and hub may be nil.
func NewManager(repo Repository, recorder AuditRecorder, hub Broadcaster, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{repo: repo, recorder: recorder, hub: hub, logger: logger, now: time.Now}
}

// DecodeRule decodes client JSON over the rule defaults.
func DecodeRule(data []byte) (*Rule, error) {
	rule := NewRule()
	if err := json.Unmarshal(data, rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return rule, nil
}

// Get returns one rule.
func (m *Manager) Get(ctx context.Context, id string) (*Rule, error) {
	return m.repo.Get(ctx, id)
}

// List returns all rules, highest priority first.
func (m *Manager) List(ctx context.Context) ([]Rule, error) {
	return m.repo.List(ctx)
}

// Create validates and stores a new rule. Server-owned fields are assigned here.
func (m *Manager) Create(ctx context.Context, rule *Rule) (*Rule, error) {
	rule = rule.Clone()
	Normalize(rule)
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Microsecond)
	rule.ID = GenerateID()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := m.repo.Create(ctx, rule); err != nil {
		m.logger.Error("creating rule failed", "relay_id", rule.RelayID, "error", err)
		return nil, err
	}

	m.logger.Info("rule created", "rule_id", rule.ID, "rule_type", rule.RuleType, "relay_id", rule.RelayID)
	m.announce(ctx, EventRuleCreated, rule, rule, fmt.Sprintf("Rule %q created", rule.Name))
	return rule, nil
}

// Update merges a partial JSON document over the stored rule, revalidates it,
// and stores the result. updated_at never moves backwards.
func (m *Manager) Update(ctx context.Context, id string, patch json.RawMessage) (*Rule, error) {
	existing, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := existing.Clone()
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, merged); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	merged.ID = existing.ID
	merged.CreatedAt = existing.CreatedAt

	Normalize(merged)
	if err := ValidateRule(merged); err != nil {
		return nil, err
	}

	merged.UpdatedAt = m.now().UTC().Truncate(time.Microsecond)
	if merged.UpdatedAt.Before(existing.UpdatedAt) {
		merged.UpdatedAt = existing.UpdatedAt
	}

	if err := m.repo.Update(ctx, merged); err != nil {
		m.logger.Error("updating rule failed", "rule_id", id, "error", err)
		return nil, err
	}

	m.logger.Info("rule updated", "rule_id", id, "enabled", merged.Enabled)
	m.announce(ctx, EventRuleUpdated, merged, merged, fmt.Sprintf("Rule %q updated", merged.Name))
	return merged, nil
}

// Delete removes a rule.
func (m *Manager) Delete(ctx context.Context, id string) error {
	existing, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		m.logger.Error("deleting rule failed", "rule_id", id, "error", err)
		return err
	}

	m.logger.Info("rule deleted", "rule_id", id)
	m.announce(ctx, EventRuleDeleted, map[string]string{"id": id}, existing,
		fmt.Sprintf("Rule %q deleted", existing.Name))
	return nil
}

func (m *Manager) announce(ctx context.Context, event string, payload any, rule *Rule, message string) {
	if m.hub != nil {
		m.hub.Broadcast(event, payload)
	}
	if m.recorder == nil {
		return
	}
	err := m.recorder.Record(ctx, &audit.Entry{
		Level:   audit.LevelInfo,
		Source:  audit.SourceAPI,
		Message: message,
		Metadata: map[string]any{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"relay_id":  rule.RelayID,
		},
	})
	if err != nil {
		m.logger.Error("recording rule change failed", "rule_id", rule.ID, "error", err)
	}
}
