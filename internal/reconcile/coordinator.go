package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"apqueue/internal"
	"apqueue/internal/backend"
	"apqueue/internal/events"
	"apqueue/internal/observability/metrics"
	"apqueue/internal/queue"
	"apqueue/internal/resilience"
)

const (
	pullBatchSize = 50
	// maxResends bounds how often one push follows local edits made while it
	// was in flight. Anything still unsynced waits for PushUnsynced.
	maxResends = 3
)

// Remote is the part of the backend the coordinator talks to.
type Remote interface {
	PushItem(ctx context.Context, item internal.CandidateItem) (backend.PushResult, error)
	ItemStatuses(ctx context.Context, ids []string) ([]backend.RemoteItem, error)
}

type Store interface {
	Get(id string) (internal.CandidateItem, bool)
	List() []internal.CandidateItem
	Unsynced() []internal.CandidateItem
	AckPush(sent internal.CandidateItem, remoteID string) (bool, error)
	UpdateStatus(id string, status internal.Status, extra *queue.Extra) (bool, error)
	ApplyRemote(id string, remote queue.RemoteState) (bool, error)
}

type Publisher interface {
	Publish(events.Event)
}

type Options struct {
	MaxInFlight int
	PushTimeout time.Duration
	Policy      resilience.Policy
}

// Coordinator pushes local items to the backend and pulls authoritative
// status back. Pushes run in the background, at most one per thread.
type Coordinator struct {
	remote  Remote
	store   Store
	bus     Publisher
	exec    *resilience.Executor
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewCoordinator(remote Remote, store Store, bus Publisher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		remote:   remote,
		store:    store,
		bus:      bus,
		exec:     resilience.NewExecutor(opts.Policy, logger),
		metrics:  m,
		logger:   logger,
		timeout:  opts.PushTimeout,
		base:     base,
		cancel:   cancel,
		sem:      make(chan struct{}, opts.MaxInFlight),
		inFlight: map[string]struct{}{},
	}
}

func pushKey(item internal.CandidateItem) string {
	if item.ThreadID != "" {
		return item.ThreadID
	}
	return item.ID
}

// Push schedules item for sending and returns immediately. It reports false
// when a push for the same thread is already outstanding; the second trigger
// is dropped.
func (c *Coordinator) Push(item internal.CandidateItem) bool {
	if item.ID == "" {
		return false
	}
	key := pushKey(item)

	c.mu.Lock()
	if c.base.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		c.metrics.ObserveCoalesced()
		c.logger.Debug("push coalesced", "id", item.ID, "thread", key)
		return false
	}
	c.inFlight[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
			c.wg.Done()
		}()

		select {
		case c.sem <- struct{}{}:
		case <-c.base.Done():
			return
		}
		defer func() { <-c.sem }()

		for range maxResends {
			if !c.push(item.ID) {
				return
			}
		}
	}()
	return true
}

// PushUnsynced schedules every item the backend has not acknowledged yet and
// returns how many were accepted.
func (c *Coordinator) PushUnsynced() int {
	accepted := 0
	for _, item := range c.store.Unsynced() {
		if c.Push(item) {
			accepted++
		}
	}
	return accepted
}

// push sends the current state of id once. It reports true when the backend
// accepted a version the item has since moved past.
func (c *Coordinator) push(id string) bool {
	// The store is read at send time so the latest local edits go out.
	item, ok := c.store.Get(id)
	if !ok {
		c.logger.Debug("push skipped for removed item", "id", id)
		return false
	}

	ctx, cancel := context.WithTimeout(c.base, c.timeout)
	defer cancel()

	start := time.Now()
	var result backend.PushResult
	err := c.exec.Execute(ctx, "push_item", func(ctx context.Context) error {
		var err error
		result, err = c.remote.PushItem(ctx, item)
		return err
	}, backend.Classify)

	switch {
	case err == nil:
		c.metrics.ObservePush("ok", time.Since(start))
		acked, err := c.store.AckPush(item, result.ID)
		if err != nil {
			c.logger.Error("persist sync ack failed", "id", id, "error", err)
		}
		c.logger.Info("item pushed", "id", id, "remote_id", result.ID)
		if !acked {
			if _, ok := c.store.Get(id); ok {
				c.logger.Debug("item changed during push, sending again", "id", id)
				return true
			}
		}

	case backend.IsPermanent(err):
		reason := backend.Reason(err)
		c.metrics.ObservePush("rejected", time.Since(start))
		c.logger.Error("backend rejected item", "id", id, "reason", reason)
		if _, uerr := c.store.UpdateStatus(id, internal.StatusError, &queue.Extra{ErrorMessage: reason}); uerr != nil {
			c.logger.Warn("could not move rejected item to error", "id", id, "error", uerr)
		}
		c.notify(id, "error", fmt.Sprintf("Backend rejected %s: %s", id, reason))

	case errors.Is(err, internal.ErrConfiguration):
		c.metrics.ObservePush("skipped", time.Since(start))
		c.logger.Warn("push skipped, backend not configured", "id", id, "error", err)

	case errors.Is(err, context.Canceled) && c.base.Err() != nil:
		c.metrics.ObservePush("cancelled", time.Since(start))

	default:
		c.metrics.ObservePush("failed", time.Since(start))
		c.logger.Warn("push failed, item stays queued for the next sync", "id", id, "error", err)
		c.notify(id, "warning", fmt.Sprintf("Could not reach the backend for %s; it will be retried.", id))
	}
	return false
}

func (c *Coordinator) notify(id, level, message string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:    events.SyncError,
		ItemID:  id,
		Payload: events.Notice{Level: level, Message: message},
	})
}

// Pull fetches the backend's status for every acknowledged, non-terminal item
// and merges it into the store. It returns the number of items that changed.
func (c *Coordinator) Pull(ctx context.Context) (int, error) {
	var ids []string
	for _, item := range c.store.List() {
		if item.SyncedAt == nil || queue.IsTerminal(item.Status) {
			continue
		}
		ids = append(ids, item.ID)
	}

	changed := 0
	var pullErr error
	for start := 0; start < len(ids); start += pullBatchSize {
		end := min(start+pullBatchSize, len(ids))
		remote, err := c.remote.ItemStatuses(ctx, ids[start:end])
		if err != nil {
			pullErr = err
			break
		}
		for _, r := range remote {
			ok, err := c.store.ApplyRemote(r.ID, queue.RemoteState{
				Status:       internal.Status(r.Status),
				RemoteID:     r.RemoteID,
				ErrorMessage: r.ErrorMessage,
				Stamps:       r.Stamps(),
			})
			if err != nil {
				c.logger.Error("persist remote state failed", "id", r.ID, "error", err)
			}
			if ok {
				changed++
			}
		}
	}

	c.metrics.ObservePull(pullErr)
	if pullErr != nil {
		c.logger.Warn("pull failed", "checked", len(ids), "changed", changed, "error", pullErr)
		return changed, pullErr
	}
	c.logger.Info("pull complete", "checked", len(ids), "changed", changed)
	return changed, nil
}

// Wait blocks until every scheduled push has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops accepting pushes, cancels the outstanding ones and waits for
// them to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// InFlight reports the number of outstanding pushes.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}
