// Package events provides a thread-safe, timestamped, append-only log of
// operator annotations for a recording session. Every append is mirrored to
// durable storage immediately: event volume is low and loss is unacceptable.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Category classifies an annotation.
type Category string

const (
	CategorySubjective Category = "subjective"
	CategoryStimulus   Category = "stimulus"
	CategoryResponse   Category = "response"
	CategoryOther      Category = "other"
)

// Categories is the fixed set of valid categories.
var Categories = []Category{CategorySubjective, CategoryStimulus, CategoryResponse, CategoryOther}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidCategory rejects a category outside the fixed set.
	ErrInvalidCategory = errors.New("invalid event category")

	// ErrEmptyDescription rejects a blank annotation.
	ErrEmptyDescription = errors.New("event description cannot be empty")
)

// Event is an immutable annotation record. Offset is seconds since session
// start, computed at creation time.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Offset      float64   `json:"offset_seconds"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	SessionID   string    `json:"session_id"`
}

// EventsFile is the durable mirror inside a session directory.
const EventsFile = "events.json"

type eventsDocument struct {
	SessionID      string           `json:"session_id"`
	SessionStart   time.Time        `json:"session_start"`
	TotalEvents    int              `json:"total_events"`
	CategoryCounts map[Category]int `json:"category_counts"`
	LastUpdated    time.Time        `json:"last_updated"`
	Events         []Event          `json:"events"`
}

// Annotator keeps the in-memory ordered log and mirrors it to EventsFile on
// every append via an atomic whole-file rewrite (tmp + rename), never an
// in-place patch.
type Annotator struct {
	sessionID    string
	sessionStart time.Time
	path         string
	log          *zap.Logger

	mu     sync.Mutex
	events []Event
}

// New creates an annotator for a session. If an events file already exists
// in sessionDir (e.g. after a restart), its events are loaded so the log
// stays append-only across process restarts.
func New(sessionDir, sessionID string, sessionStart time.Time, log *zap.Logger) (*Annotator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	a := &Annotator{
		sessionID:    sessionID,
		sessionStart: sessionStart,
		path:         filepath.Join(sessionDir, EventsFile),
		log:          log,
	}
	if err := a.loadExisting(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Annotator) loadExisting() error {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read events file: %w", err)
	}
	var doc eventsDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse events file: %w", err)
	}
	a.events = doc.Events
	if len(a.events) > 0 {
		a.log.Info("loaded existing events", zap.Int("count", len(a.events)))
	}
	return nil
}

// Record appends an annotation and synchronously mirrors the full log to
// disk. The returned event carries its session-relative offset.
func (a *Annotator) Record(description string, category Category) (Event, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Event{}, ErrEmptyDescription
	}
	if !category.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	now := time.Now()
	ev := Event{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Offset:      now.Sub(a.sessionStart).Seconds(),
		Description: description,
		Category:    category,
		SessionID:   a.sessionID,
	}

	a.mu.Lock()
	a.events = append(a.events, ev)
	err := a.saveLocked()
	total := len(a.events)
	a.mu.Unlock()

	if err != nil {
		return Event{}, fmt.Errorf("persist event: %w", err)
	}
	a.log.Info("event recorded",
		zap.String("category", string(category)),
		zap.String("description", description),
		zap.Int("total", total))
	return ev, nil
}

// saveLocked rewrites the events file atomically. Caller holds a.mu.
func (a *Annotator) saveLocked() error {
	counts := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		counts[c] = 0
	}
	for _, ev := range a.events {
		counts[ev.Category]++
	}
	doc := eventsDocument{
		SessionID:      a.sessionID,
		SessionStart:   a.sessionStart,
		TotalEvents:    len(a.events),
		CategoryCounts: counts,
		LastUpdated:    time.Now(),
		Events:         a.events,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}

// List returns events whose timestamps fall in [from, to], in insertion
// order. Zero values for from/to mean unbounded on that side.
func (a *Annotator) List(from, to time.Time) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Event, 0, len(a.events))
	for _, ev := range a.events {
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Count returns the number of recorded events.
func (a *Annotator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// CountByCategory returns per-category event counts.
func (a *Annotator) CountByCategory() map[Category]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := make(map[Category]int, len(Categories))
	for _, ev := range a.events {
		counts[ev.Category]++
	}
	return counts
}
