package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"eventbell/internal/models"
)

var (
	ErrNotFound      = errors.New("event not found")
	ErrExists        = errors.New("event already stored")
	ErrTokenInUse    = errors.New("correlation token already held by a live event")
	ErrUnknownToken  = errors.New("unknown correlation token")
	ErrInvalidTimes  = errors.New("end time must be after start time")
	ErrImageEmbedded = errors.New("image already embedded in a sent reminder")
)

// Observer is notified after a record is inserted, changed or removed.
// Calls are made under the store lock, in mutation order, so implementations
// must return quickly and must not call back into the store.
type Observer interface {
	Upserted(ev models.Event)
	Removed(ev models.Event)
}

// Store keeps the live event records in memory. All mutations are serialized by a
// single lock; reads return copies so callers never observe a half-written record.
type Store struct {
	mu       sync.RWMutex
	events   map[string]*models.Event
	tokens   map[string]string // correlation token -> event id
	observer Observer
}

// New creates an empty Store. observer may be nil.
func New(observer Observer) *Store {
	return &Store{
		events:   make(map[string]*models.Event),
		tokens:   make(map[string]string),
		observer: observer,
	}
}

// Put inserts a new record.
func (s *Store) Put(ev models.Event) error {
	if ev.ID == "" {
		return errors.New("event id is empty")
	}
	if !ev.EndTime.After(ev.StartTime) {
		return ErrInvalidTimes
	}

	rec := ev.Clone()
	rec.Status = models.StatusScheduled

	s.mu.Lock()
	if _, exists := s.events[rec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if rec.CorrelationToken != "" {
		if _, held := s.tokens[rec.CorrelationToken]; held {
			s.mu.Unlock()
			return ErrTokenInUse
		}
		s.tokens[rec.CorrelationToken] = rec.ID
	}
	s.events[rec.ID] = &rec
	s.notifyUpsert(rec.Clone())
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (models.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[id]
	if !ok {
		return models.Event{}, false
	}
	return rec.Clone(), true
}

// Remove deletes the record and releases its correlation token.
// It reports whether a record was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	rec, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.events, id)
	if rec.CorrelationToken != "" {
		delete(s.tokens, rec.CorrelationToken)
	}
	if s.observer != nil {
		s.observer.Removed(rec.Clone())
	}
	s.mu.Unlock()
	return true
}

// ListLive returns copies of every scheduled record ordered by start time.
func (s *Store) ListLive() []models.Event {
	s.mu.RLock()
	out := make([]models.Event, 0, len(s.events))
	for _, rec := range s.events {
		if rec.Status == models.StatusScheduled {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// MarkFired records that the reminder for offset was sent. Marking an offset twice is a no-op.
func (s *Store) MarkFired(id string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if rec.FiredOffsets == nil {
		rec.FiredOffsets = make(map[int]bool)
	}
	rec.FiredOffsets[offset] = true
	return nil
}

// SetImage sets the image of a record by id, for replacing a cover after the
// correlation token is spent. Once a reminder has gone out with an image the
// image is frozen.
func (s *Store) SetImage(id, url string) error {
	s.mu.Lock()
	rec, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.ImageURL != "" && len(rec.FiredOffsets) > 0 {
		s.mu.Unlock()
		return ErrImageEmbedded
	}
	rec.ImageURL = url
	s.notifyUpsert(rec.Clone())
	s.mu.Unlock()
	return nil
}

// ClearImage drops the image of a record if it is still url. It reports whether
// the image was cleared.
func (s *Store) ClearImage(id, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok || rec.ImageURL == "" || rec.ImageURL != url {
		return false
	}
	rec.ImageURL = ""
	s.notifyUpsert(rec.Clone())
	return true
}

// AttachByToken sets the image of the record holding token and consumes the token.
func (s *Store) AttachByToken(token, url string) (models.Event, error) {
	if token == "" {
		return models.Event{}, ErrUnknownToken
	}

	s.mu.Lock()
	id, ok := s.tokens[token]
	if !ok {
		s.mu.Unlock()
		return models.Event{}, ErrUnknownToken
	}
	rec, ok := s.events[id]
	if !ok {
		// Index and records disagree; the store is corrupt.
		s.mu.Unlock()
		panic(fmt.Sprintf("store: token index points at missing event %s", id))
	}
	rec.ImageURL = url
	rec.CorrelationToken = ""
	delete(s.tokens, token)
	snapshot := rec.Clone()
	s.notifyUpsert(snapshot)
	s.mu.Unlock()
	return snapshot, nil
}

// Update applies fn to the record under the write lock. fn must not call back into
// the store. The id and correlation token cannot be changed through Update.
func (s *Store) Update(id string, fn func(ev *models.Event)) (models.Event, error) {
	s.mu.Lock()
	rec, ok := s.events[id]
	if !ok {
		s.mu.Unlock()
		return models.Event{}, ErrNotFound
	}

	next := rec.Clone()
	fn(&next)
	if !next.EndTime.After(next.StartTime) {
		s.mu.Unlock()
		return models.Event{}, ErrInvalidTimes
	}
	next.ID = rec.ID
	next.CorrelationToken = rec.CorrelationToken
	*rec = next
	snapshot := rec.Clone()
	s.notifyUpsert(snapshot)
	s.mu.Unlock()
	return snapshot, nil
}

// notifyUpsert must be called with s.mu held.
func (s *Store) notifyUpsert(ev models.Event) {
	if s.observer != nil {
		s.observer.Upserted(ev)
	}
}
