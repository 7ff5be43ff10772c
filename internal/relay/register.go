package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Register is the append-only store of relay transitions.
//
// There is no update or delete: the current state of a relay is always
// derived from the record with the greatest timestamp, ties broken by
// insertion order.
type Register interface {
	// Insert appends a record and sets its ID.
	Insert(ctx context.Context, s *State) error

	// Latest returns the current state of one relay, or ErrStateNotFound.
	Latest(ctx context.Context, relayID int) (*State, error)

	// LatestAll returns the current state of every relay that has one, ordered by relay id.
	LatestAll(ctx context.Context) ([]State, error)

	// History returns transitions of one relay, newest first.
	History(ctx context.Context, relayID int, limit int) ([]State, error)
}

// SQLiteRegister implements Register on the relay_states table.
type SQLiteRegister struct {
	db *sql.DB
}

// NewSQLiteRegister creates a register backed by db.
func NewSQLiteRegister(db *sql.DB) *SQLiteRegister {
	return &SQLiteRegister{db: db}
}

const stateColumns = "id, relay_id, state, mode, changed_by, device_id, timestamp"

// Insert appends a transition.
func (r *SQLiteRegister) Insert(ctx context.Context, s *State) error {
	if !ValidID(s.RelayID) {
		return fmt.Errorf("%w: %d", ErrInvalidRelayID, s.RelayID)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO relay_states (relay_id, state, mode, changed_by, device_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.RelayID, boolToInt(s.State), string(s.Mode), s.ChangedBy,
		nullableString(s.DeviceID), database.FormatTime(s.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting relay state: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading relay state id: %w", err)
	}
	s.ID = id
	return nil
}

// Latest returns the max-timestamp record for relayID.
func (r *SQLiteRegister) Latest(ctx context.Context, relayID int) (*State, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM relay_states
		 WHERE relay_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT 1`,
		relayID,
	)

	s, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest relay state: %w", err)
	}
	return s, nil
}

// LatestAll returns the max-timestamp record of each relay.
func (r *SQLiteRegister) LatestAll(ctx context.Context) ([]State, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM relay_states AS rs
		 WHERE rs.id = (
		     SELECT latest.id FROM relay_states AS latest
		     WHERE latest.relay_id = rs.relay_id
		     ORDER BY latest.timestamp DESC, latest.id DESC
		     LIMIT 1
		 )
		 ORDER BY rs.relay_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying relay states: %w", err)
	}
	defer rows.Close()

	return collectStates(rows)
}

// History returns up to limit transitions of relayID, newest first.
func (r *SQLiteRegister) History(ctx context.Context, relayID int, limit int) ([]State, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM relay_states
		 WHERE relay_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		relayID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying relay history: %w", err)
	}
	defer rows.Close()

	return collectStates(rows)
}

// ─── Row Scanning Helpers ───────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var s State
	var state int
	var mode, ts string
	var deviceID sql.NullString

	if err := row.Scan(&s.ID, &s.RelayID, &state, &mode, &s.ChangedBy, &deviceID, &ts); err != nil {
		return nil, err
	}

	s.State = state != 0
	s.Mode = Mode(mode)
	s.DeviceID = deviceID.String

	timestamp, err := database.ParseTime(ts)
	if err != nil {
		return nil, err
	}
	s.Timestamp = timestamp
	return &s, nil
}

func collectStates(rows *sql.Rows) ([]State, error) {
	states := []State{}
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning relay state: %w", err)
		}
		states = append(states, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relay states: %w", err)
	}
	return states, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
