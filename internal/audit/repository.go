package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
)

// ErrEmptyMessage is returned when an entry has no message.
var ErrEmptyMessage = errors.New("audit: empty message")

// Repository defines the persistence operations for system log entries.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// SQLiteRepository stores system log entries in the system_logs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new system log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new entry. ID, Level and Timestamp are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if strings.TrimSpace(entry.Message) == "" {
		return ErrEmptyMessage
	}
	if entry.ID == "" {
		entry.ID = "log-" + uuid.NewString()
	}
	if !entry.Level.Valid() {
		entry.Level = ParseLevel(string(entry.Level))
	}
	if entry.Source == "" {
		entry.Source = SourceSystem
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling log metadata: %w", err)
		}
		s := string(b)
		metadataJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_logs (id, level, source, message, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Level), string(entry.Source), entry.Message,
		metadataJSON, database.FormatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting system log: %w", err)
	}

	return nil
}

// List returns entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}

	var conditions []string
	var args []any

	if filter.Level != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, string(filter.Level))
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, string(filter.Source))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, level, source, message, metadata, timestamp FROM system_logs %s
		 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		where,
	)
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying system logs: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var level, source, ts string
		var metadataJSON sql.NullString

		if err := rows.Scan(&e.ID, &level, &source, &e.Message, &metadataJSON, &ts); err != nil {
			return nil, fmt.Errorf("scanning system log: %w", err)
		}
		e.Level = Level(level)
		e.Source = Source(source)

		if metadataJSON.Valid && metadataJSON.String != "" {
			var metadata map[string]any
			if json.Unmarshal([]byte(metadataJSON.String), &metadata) == nil {
				e.Metadata = metadata
			}
		}

		if e.Timestamp, err = database.ParseTime(ts); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating system logs: %w", err)
	}

	return entries, nil
}
