package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"apqueue/internal"
	"apqueue/internal/events"
	"apqueue/internal/storage"
)

var ErrMissingID = errors.New("item id is required")

type KV interface {
	Get(key string) ([]byte, bool, error)
	PutMany(entries map[string][]byte) error
	Delete(key string) error
}

type Publisher interface {
	Publish(events.Event)
}

// Extra carries the optional data merged into an item on a status change.
type Extra struct {
	Fields       *internal.DetectedFields
	ErrorMessage string
	RemoteID     string
	Note         string
	Actor        string
}

// RemoteState is the authoritative view of an item reported by the backend.
type RemoteState struct {
	Status       internal.Status
	RemoteID     string
	ErrorMessage string
	Stamps       map[internal.Status]time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithDuplicatePolicy(policy DuplicatePolicy) Option {
	return func(s *Store) { s.dupPolicy = policy }
}

// Store is the persistent queue of candidate items. Every mutation is written
// through to the key-value store before the corresponding event is published.
type Store struct {
	mu        sync.Mutex
	kv        KV
	bus       Publisher
	logger    *slog.Logger
	now       func() time.Time
	dupPolicy DuplicatePolicy

	items     map[string]*internal.CandidateItem
	order     []string
	activity  []internal.ActivityEntry
	processed map[string]struct{}

	// outbox holds events in mutation order until a single drainer
	// publishes them.
	outbox   []events.Event
	draining bool
}

func NewStore(kv KV, bus Publisher, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:        kv,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		dupPolicy: DefaultDuplicatePolicy(),
		items:     map[string]*internal.CandidateItem{},
		processed: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the persisted one. Absent or
// malformed entries become empty collections.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = map[string]*internal.CandidateItem{}
	s.order = nil
	s.activity = nil
	s.processed = map[string]struct{}{}

	var items []internal.CandidateItem
	if err := s.readJSON(storage.KeyQueueItems, &items); err != nil {
		return err
	}
	for _, item := range items {
		item := item
		if strings.TrimSpace(item.ID) == "" {
			continue
		}
		if !item.Status.Valid() {
			item.Status = internal.StatusPending
		}
		item.Confidence = internal.ClampConfidence(item.Confidence)
		if _, seen := s.items[item.ID]; !seen {
			s.order = append(s.order, item.ID)
		}
		s.items[item.ID] = &item
	}

	if err := s.readJSON(storage.KeyQueueActivity, &s.activity); err != nil {
		return err
	}

	var processed []string
	if err := s.readJSON(storage.KeyQueueDone, &processed); err != nil {
		return err
	}
	for _, id := range processed {
		s.processed[id] = struct{}{}
	}

	s.logger.Debug("queue loaded", "items", len(s.order), "activity", len(s.activity), "processed", len(s.processed))
	return nil
}

func (s *Store) readJSON(key string, target any) error {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		s.logger.Warn("discarding malformed queue state", "key", key, "error", err)
		reflect.ValueOf(target).Elem().SetZero()
	}
	return nil
}

func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	items := make([]internal.CandidateItem, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, *s.items[id])
	}
	processed := make([]string, 0, len(s.processed))
	for id := range s.processed {
		processed = append(processed, id)
	}

	entries := map[string][]byte{}
	for key, value := range map[string]any{
		storage.KeyQueueItems:    items,
		storage.KeyQueueActivity: s.activity,
		storage.KeyQueueDone:     processed,
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		entries[key] = raw
	}

	if err := s.kv.PutMany(entries); err != nil {
		s.logger.Error("persist queue failed", "error", err)
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Add inserts a new item or merges into the existing item with the same id.
// Merging only fills empty detected fields; status is never changed by Add.
func (s *Store) Add(item internal.CandidateItem) (internal.CandidateItem, error) {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return internal.CandidateItem{}, ErrMissingID
	}

	s.mu.Lock()
	now := s.now().UTC()

	existing, ok := s.items[item.ID]
	if ok {
		before := existing.Clone()
		mergeInto(existing, item)
		if existing.DetectedAt == nil {
			existing.DetectedAt = &now
		}
		if reflect.DeepEqual(before, *existing) {
			out := existing.Clone()
			s.mu.Unlock()
			return out, nil
		}
		err := s.persistLocked()
		out := existing.Clone()
		evt := s.eventLocked(events.ItemUpdated, &out)
		s.outbox = append(s.outbox, evt)
		s.mu.Unlock()
		s.flush()
		return out, err
	}

	stored := item.Clone()
	if !stored.Status.Valid() {
		stored.Status = internal.StatusPending
	}
	if stored.Source == "" {
		stored.Source = internal.SourceManual
	}
	stored.Confidence = internal.ClampConfidence(stored.Confidence)
	if stored.DetectedAt == nil {
		stored.DetectedAt = &now
	}
	if stamp := stored.StampFor(stored.Status); stamp != nil && *stamp == nil {
		*stamp = &now
	}

	others := make([]*internal.CandidateItem, 0, len(s.order))
	for _, id := range s.order {
		others = append(others, s.items[id])
	}
	if dup, found := findDuplicate(stored, others, s.dupPolicy); found {
		stored.IsDuplicate = true
		stored.DuplicateWarning = duplicateWarning(*dup)
	}

	s.items[stored.ID] = &stored
	s.order = append(s.order, stored.ID)
	s.appendActivityLocked("detected", stored.ID, detectedMessage(stored), now)

	err := s.persistLocked()
	out := stored.Clone()
	evt := s.eventLocked(events.ItemAdded, &out)
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return out, err
}

func mergeInto(existing *internal.CandidateItem, incoming internal.CandidateItem) {
	existing.Detected = existing.Detected.MergeMissing(incoming.Detected)
	if existing.ThreadID == "" {
		existing.ThreadID = incoming.ThreadID
	}
	if existing.Subject == "" {
		existing.Subject = incoming.Subject
	}
	if existing.Sender == "" {
		existing.Sender = incoming.Sender
	}
	if existing.ReceivedAt == nil && incoming.ReceivedAt != nil {
		t := *incoming.ReceivedAt
		existing.ReceivedAt = &t
	}
	if incoming.Confidence > 0 {
		existing.Confidence = internal.ClampConfidence(incoming.Confidence)
	}
	if incoming.Tier != "" {
		existing.Tier = incoming.Tier
	}
	if existing.RemoteID == "" {
		existing.RemoteID = incoming.RemoteID
	}
}

// UpdateStatus applies a status transition. An unknown id is a no-op that
// reports false with a nil error.
func (s *Store) UpdateStatus(id string, status internal.Status, extra *Extra) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", internal.ErrInvalidTransition, status)
	}

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("status update for unknown item", "id", id, "status", string(status))
		return false, nil
	}

	from := item.Status
	if from == status {
		s.mu.Unlock()
		return false, nil
	}
	if !CanTransition(from, status) {
		s.mu.Unlock()
		s.logger.Warn("rejected status transition", "id", id, "from", string(from), "to", string(status))
		return false, fmt.Errorf("%w: %s -> %s", internal.ErrInvalidTransition, from, status)
	}

	now := s.now().UTC()
	item.Status = status
	item.SyncedAt = nil
	if stamp := item.StampFor(status); stamp != nil && *stamp == nil {
		*stamp = &now
	}
	if status != internal.StatusError {
		item.ErrorMessage = ""
	}
	if extra != nil {
		if extra.Fields != nil {
			item.Detected = item.Detected.Override(*extra.Fields)
		}
		if extra.ErrorMessage != "" {
			item.ErrorMessage = extra.ErrorMessage
		}
		if extra.RemoteID != "" {
			item.RemoteID = extra.RemoteID
		}
	}

	s.appendActivityLocked(string(status), id, transitionMessage(*item, from, status, extra), now)

	err := s.persistLocked()
	out := item.Clone()
	evt := s.eventLocked(events.StatusChanged, &out)
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return true, err
}

// ApplyRemote merges the backend's view of an item. Status is remote-wins for
// items the backend already acknowledged; remote timestamps only fill slots
// that are still empty. Items never synced keep their local state.
func (s *Store) ApplyRemote(id string, remote RemoteState) (bool, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("remote update for unknown item", "id", id)
		return false, nil
	}
	if item.SyncedAt == nil {
		s.mu.Unlock()
		return false, nil
	}

	before := item.Clone()
	now := s.now().UTC()

	statusChanged := remote.Status.Valid() && remote.Status != item.Status
	if statusChanged {
		item.Status = remote.Status
		if remote.Status == internal.StatusError && remote.ErrorMessage != "" {
			item.ErrorMessage = remote.ErrorMessage
		}
		if remote.Status != internal.StatusError {
			item.ErrorMessage = ""
		}
	}
	for status, at := range remote.Stamps {
		if stamp := item.StampFor(status); stamp != nil && *stamp == nil && !at.IsZero() {
			t := at.UTC()
			*stamp = &t
		}
	}
	if statusChanged {
		if stamp := item.StampFor(item.Status); stamp != nil && *stamp == nil {
			*stamp = &now
		}
	}
	if remote.RemoteID != "" {
		item.RemoteID = remote.RemoteID
	}

	if reflect.DeepEqual(before, *item) {
		s.mu.Unlock()
		return false, nil
	}

	eventType := events.ItemUpdated
	if statusChanged {
		eventType = events.StatusChanged
		s.appendActivityLocked("synced", id, fmt.Sprintf("%s moved to %s by backend", itemLabel(*item), item.Status), now)
	}

	err := s.persistLocked()
	out := item.Clone()
	evt := s.eventLocked(eventType, &out)
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return true, err
}

// MarkSynced records that the backend acknowledged the item.
func (s *Store) MarkSynced(id, remoteID string) (bool, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("sync ack for unknown item", "id", id)
		return false, nil
	}
	return true, s.markSyncedLocked(item, remoteID)
}

// markSyncedLocked releases s.mu.
func (s *Store) markSyncedLocked(item *internal.CandidateItem, remoteID string) error {
	now := s.now().UTC()
	item.SyncedAt = &now
	if remoteID != "" {
		item.RemoteID = remoteID
	}

	err := s.persistLocked()
	out := item.Clone()
	evt := s.eventLocked(events.ItemUpdated, &out)
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return err
}

// AckPush records the backend acknowledgement of sent. When the item changed
// locally while sent was in flight it stays unsynced and AckPush reports
// false, so the newer state is pushed again.
func (s *Store) AckPush(sent internal.CandidateItem, remoteID string) (bool, error) {
	s.mu.Lock()
	item, ok := s.items[sent.ID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("sync ack for unknown item", "id", sent.ID)
		return false, nil
	}
	if item.Status != sent.Status || !reflect.DeepEqual(item.Detected, sent.Detected) {
		s.mu.Unlock()
		s.logger.Debug("item changed while pushing", "id", sent.ID, "sent", string(sent.Status), "current", string(item.Status))
		return false, nil
	}
	return true, s.markSyncedLocked(item, remoteID)
}

// Fix overrides detected fields with user corrections. The item is marked
// unsynced so the correction is pushed again.
func (s *Store) Fix(id string, fields internal.DetectedFields, note string) (bool, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("fix for unknown item", "id", id)
		return false, nil
	}
	now := s.now().UTC()
	item.Detected = item.Detected.Override(fields)
	item.SyncedAt = nil

	message := fmt.Sprintf("%s corrected", itemLabel(*item))
	if note != "" {
		message += ": " + note
	}
	s.appendActivityLocked("fixed", id, message, now)

	err := s.persistLocked()
	out := item.Clone()
	evt := s.eventLocked(events.ItemUpdated, &out)
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return true, err
}

// Remove deletes the item. Removing an absent id is not an error.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	label := itemLabel(*item)
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.appendActivityLocked("removed", id, label+" dismissed", s.now().UTC())

	err := s.persistLocked()
	evt := s.eventLocked(events.ItemRemoved, nil)
	evt.ItemID = id
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return true, err
}

// Clear drops every item, activity entry and processed id.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.items = map[string]*internal.CandidateItem{}
	s.order = nil
	s.activity = nil
	s.processed = map[string]struct{}{}

	var errs []error
	for _, key := range []string{storage.KeyQueueItems, storage.KeyQueueActivity, storage.KeyQueueDone} {
		if err := s.kv.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", key, err))
		}
	}
	evt := s.eventLocked(events.DataCleared, nil)
	s.outbox = append(s.outbox, evt)
	s.mu.Unlock()

	s.flush()
	return errors.Join(errs...)
}

func (s *Store) MarkProcessed(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.processed[id]; !ok {
			s.processed[id] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

// List returns copies of all items in insertion order.
func (s *Store) List() []internal.CandidateItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Get(id string) (internal.CandidateItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return internal.CandidateItem{}, false
	}
	return item.Clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Activity returns the most recent limit entries, oldest first. A limit of
// zero or less returns the whole feed.
func (s *Store) Activity(limit int) []internal.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.activity) > limit {
		start = len(s.activity) - limit
	}
	out := make([]internal.ActivityEntry, len(s.activity)-start)
	copy(out, s.activity[start:])
	return out
}

// Unsynced returns the items whose current state the backend has not
// acknowledged. Errored items wait for a retry instead.
func (s *Store) Unsynced() []internal.CandidateItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []internal.CandidateItem
	for _, id := range s.order {
		item := s.items[id]
		if item.SyncedAt != nil || item.Status == internal.StatusError {
			continue
		}
		out = append(out, item.Clone())
	}
	return out
}

func (s *Store) snapshotLocked() []internal.CandidateItem {
	out := make([]internal.CandidateItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out
}

func (s *Store) appendActivityLocked(kind, itemID, message string, at time.Time) {
	s.activity = append(s.activity, internal.ActivityEntry{
		ID:        uuid.NewString(),
		Type:      kind,
		ItemID:    itemID,
		Message:   message,
		Timestamp: at,
	})
}

func (s *Store) eventLocked(t events.Type, item *internal.CandidateItem) events.Event {
	evt := events.Event{Type: t, Snapshot: s.snapshotLocked(), At: s.now().UTC()}
	if item != nil {
		evt.ItemID = item.ID
		evt.Item = item
	}
	return evt
}

// flush publishes queued events in the order their mutations committed. A
// listener that mutates the store from inside Publish only enqueues; the
// outer drainer delivers its event next.
func (s *Store) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		evt := s.outbox[0]
		s.outbox[0] = events.Event{}
		s.outbox = s.outbox[1:]
		s.mu.Unlock()
		s.publish(evt)
		s.mu.Lock()
	}
	s.outbox = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *Store) publish(evt events.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

func itemLabel(item internal.CandidateItem) string {
	if item.Detected.Vendor != "" {
		return "Invoice from " + item.Detected.Vendor
	}
	if item.Subject != "" {
		return fmt.Sprintf("%q", item.Subject)
	}
	return "Item " + item.ID
}

func detectedMessage(item internal.CandidateItem) string {
	msg := itemLabel(item) + " detected"
	if item.Detected.Amount != nil {
		msg += " (" + strings.TrimSpace(fmt.Sprintf("%s %.2f", item.Detected.Currency, *item.Detected.Amount)) + ")"
	}
	if item.IsDuplicate {
		msg += ", possible duplicate"
	}
	return msg
}

func transitionMessage(item internal.CandidateItem, from, to internal.Status, extra *Extra) string {
	msg := itemLabel(item) + " " + actionName(from, to)
	if extra != nil {
		if extra.Actor != "" {
			msg += " by " + extra.Actor
		}
		if extra.ErrorMessage != "" {
			msg += ": " + extra.ErrorMessage
		} else if extra.Note != "" {
			msg += ": " + extra.Note
		}
	}
	return msg
}
