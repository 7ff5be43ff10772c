package audit

import (
	"context"
	"fmt"
)

// EventLogNew is broadcast to observers for every recorded entry.
const EventLogNew = "log:new"

// Broadcaster delivers an event to every connected observer.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Recorder persists entries and announces them to observers.
//
// A nil broadcaster is allowed; entries are then only stored.
type Recorder struct {
	repo Repository
	hub  Broadcaster
}

// NewRecorder creates a Recorder.
func NewRecorder(repo Repository, hub Broadcaster) *Recorder {
	return &Recorder{repo: repo, hub: hub}
}

// Record stores the entry and, once stored, broadcasts it.
func (r *Recorder) Record(ctx context.Context, entry *Entry) error {
	if err := r.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("recording system log: %w", err)
	}
	if r.hub != nil {
		r.hub.Broadcast(EventLogNew, entry)
	}
	return nil
}

// Info is shorthand for recording an info-level entry.
func (r *Recorder) Info(ctx context.Context, source Source, message string, metadata map[string]any) error {
	return r.Record(ctx, &Entry{
		Level:    LevelInfo,
		Source:   source,
		Message:  message,
		Metadata: metadata,
	})
}

// List returns stored entries; see Repository.List.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return r.repo.List(ctx, filter)
}
