package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
)

// Repository defines the interface for rule persistence.
//
// The engine reads through ListEnabled on every pass; nothing caches rules,
// so an edit is visible to the very next reading or tick.
type Repository interface {
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	ListEnabled(ctx context.Context, ruleType RuleType) ([]Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

const ruleColumns = `id, name, relay_id, enabled, rule_type,
			condition_sensor, condition_operator, condition_threshold,
			schedule_time, schedule_days, action, priority, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get retrieves a rule by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// List retrieves all rules, highest priority first, then newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Rule, error) {
	return r.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC, created_at DESC, rowid DESC`)
}

// ListEnabled retrieves the enabled rules of one type in store order.
func (r *SQLiteRepository) ListEnabled(ctx context.Context, ruleType RuleType) ([]Rule, error) {
	return r.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 AND rule_type = ? ORDER BY rowid`,
		string(ruleType))
}

// Create inserts a new rule.
func (r *SQLiteRepository) Create(ctx context.Context, rule *Rule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rules (
			id, name, relay_id, enabled, rule_type,
			condition_sensor, condition_operator, condition_threshold,
			schedule_time, schedule_days, action, priority, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{rule.ID}, args...)...,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// Update overwrites an existing rule. created_at is never changed.
func (r *SQLiteRepository) Update(ctx context.Context, rule *Rule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	// Drop created_at from the positional arguments.
	args = append(args[:11], args[12:]...)

	result, err := r.db.ExecContext(ctx, `
		UPDATE rules SET
			name = ?, relay_id = ?, enabled = ?, rule_type = ?,
			condition_sensor = ?, condition_operator = ?, condition_threshold = ?,
			schedule_time = ?, schedule_days = ?, action = ?, priority = ?, updated_at = ?
		WHERE id = ?`,
		append(args, rule.ID)...,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *SQLiteRepository) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	rules := []Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// ruleArgs returns column values in ruleColumns order, minus id.
func ruleArgs(rule *Rule) ([]any, error) {
	var sensor, operator, schedTime, schedDays sql.NullString
	var threshold sql.NullFloat64

	if rule.Condition != nil {
		sensor = sql.NullString{String: string(rule.Condition.Sensor), Valid: true}
		operator = sql.NullString{String: string(rule.Condition.Operator), Valid: true}
		threshold = sql.NullFloat64{Float64: rule.Condition.Threshold, Valid: true}
	}
	if rule.Schedule != nil {
		schedTime = sql.NullString{String: rule.Schedule.Time, Valid: true}
		days := rule.Schedule.Days
		if days == nil {
			days = []int{}
		}
		data, err := json.Marshal(days)
		if err != nil {
			return nil, fmt.Errorf("marshalling schedule days: %w", err)
		}
		schedDays = sql.NullString{String: string(data), Valid: true}
	}

	return []any{
		rule.Name,
		rule.RelayID,
		boolToInt(rule.Enabled),
		string(rule.RuleType),
		sensor,
		operator,
		threshold,
		schedTime,
		schedDays,
		string(rule.Action),
		rule.Priority,
		database.FormatTime(rule.CreatedAt),
		database.FormatTime(rule.UpdatedAt),
	}, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var rule Rule
	var enabled int
	var ruleType, action, createdAt, updatedAt string
	var sensor, operator, schedTime, schedDays sql.NullString
	var threshold sql.NullFloat64

	err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&rule.RelayID,
		&enabled,
		&ruleType,
		&sensor,
		&operator,
		&threshold,
		&schedTime,
		&schedDays,
		&action,
		&rule.Priority,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	rule.RuleType = RuleType(ruleType)
	rule.Action = Action(action)

	if sensor.Valid || operator.Valid {
		rule.Condition = &Condition{
			Sensor:    SensorField(sensor.String),
			Operator:  Operator(operator.String),
			Threshold: threshold.Float64,
		}
	}
	if schedTime.Valid {
		rule.Schedule = &Schedule{Time: schedTime.String}
		if schedDays.Valid && schedDays.String != "" {
			if err := json.Unmarshal([]byte(schedDays.String), &rule.Schedule.Days); err != nil {
				return nil, fmt.Errorf("unmarshalling schedule days: %w", err)
			}
		}
	}

	if rule.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rule.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &rule, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
