package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/backend"
	"apqueue/internal/events"
	"apqueue/internal/observability/metrics"
	"apqueue/internal/queue"
	"apqueue/internal/resilience"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) PutMany(entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.data[k] = v
	}
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeRemote struct {
	pushes   atomic.Int32
	push     func(ctx context.Context, item internal.CandidateItem) (backend.PushResult, error)
	statuses func(ids []string) ([]backend.RemoteItem, error)
}

func (f *fakeRemote) PushItem(ctx context.Context, item internal.CandidateItem) (backend.PushResult, error) {
	f.pushes.Add(1)
	return f.push(ctx, item)
}

func (f *fakeRemote) ItemStatuses(_ context.Context, ids []string) ([]backend.RemoteItem, error) {
	return f.statuses(ids)
}

type harness struct {
	store   *queue.Store
	bus     *events.Bus
	coord   *Coordinator
	metrics *metrics.Metrics

	mu      sync.Mutex
	notices []events.Event
}

func newHarness(t *testing.T, remote Remote) *harness {
	t.Helper()
	h := &harness{bus: events.NewBus(nil), metrics: metrics.New("test")}
	h.bus.Subscribe(func(evt events.Event) {
		h.mu.Lock()
		h.notices = append(h.notices, evt)
		h.mu.Unlock()
	}, events.SyncError)

	h.store = queue.NewStore(&memKV{data: map[string][]byte{}}, h.bus, nil)
	h.coord = NewCoordinator(remote, h.store, h.bus, Options{
		MaxInFlight: 2,
		PushTimeout: time.Second,
		Policy: resilience.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}, h.metrics, nil)
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) syncErrors() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.notices...)
}

func (h *harness) add(t *testing.T, id string) internal.CandidateItem {
	t.Helper()
	amount := 99.0
	item, err := h.store.Add(internal.CandidateItem{
		ID:         id,
		ThreadID:   id,
		Subject:    "Invoice " + id,
		Sender:     "billing@stripe.com",
		Confidence: 1,
		Detected:   internal.DetectedFields{Vendor: "Stripe", Amount: &amount, Currency: "USD"},
	})
	require.NoError(t, err)
	return item
}

func TestConcurrentPushesAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	remote := &fakeRemote{push: func(context.Context, internal.CandidateItem) (backend.PushResult, error) {
		<-release
		return backend.PushResult{ID: "remote-1", Status: "pending"}, nil
	}}
	h := newHarness(t, remote)
	item := h.add(t, "thread-1")

	var accepted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if h.coord.Push(item) {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, h.coord.InFlight())

	close(release)
	h.coord.Wait()

	assert.Equal(t, int32(1), remote.pushes.Load())
	got, _ := h.store.Get("thread-1")
	require.NotNil(t, got.SyncedAt)
	assert.Equal(t, "remote-1", got.RemoteID)
	assert.Equal(t, internal.StatusPending, got.Status)

	// Once the first push settles the thread accepts a new one.
	assert.True(t, h.coord.Push(item))
	h.coord.Wait()
	assert.Equal(t, int32(2), remote.pushes.Load())
}

func TestPermanentRejectionMovesItemToError(t *testing.T) {
	remote := &fakeRemote{push: func(context.Context, internal.CandidateItem) (backend.PushResult, error) {
		return backend.PushResult{}, internal.WrapError(internal.ErrPermanentRequest, "push_item", &backend.HTTPStatusError{
			Operation: "push_item", StatusCode: 422, Status: "422 Unprocessable Entity", Body: `{"detail":"vendor is not approved"}`,
		})
	}}
	h := newHarness(t, remote)
	item := h.add(t, "a")

	require.True(t, h.coord.Push(item))
	h.coord.Wait()

	assert.Equal(t, int32(1), remote.pushes.Load())
	got, _ := h.store.Get("a")
	assert.Equal(t, internal.StatusError, got.Status)
	assert.Equal(t, "vendor is not approved", got.ErrorMessage)
	assert.NotNil(t, got.ErrorAt)
	assert.Nil(t, got.SyncedAt)

	notices := h.syncErrors()
	require.Len(t, notices, 1)
	assert.Equal(t, "error", notices[0].Payload.(events.Notice).Level)
}

func TestTransientFailureLeavesItemPending(t *testing.T) {
	remote := &fakeRemote{push: func(context.Context, internal.CandidateItem) (backend.PushResult, error) {
		return backend.PushResult{}, internal.WrapError(internal.ErrTransientNetwork, "push_item", errors.New("connection refused"))
	}}
	h := newHarness(t, remote)
	item := h.add(t, "a")

	require.True(t, h.coord.Push(item))
	h.coord.Wait()

	assert.Equal(t, int32(3), remote.pushes.Load())
	got, _ := h.store.Get("a")
	assert.Equal(t, internal.StatusPending, got.Status)
	assert.Nil(t, got.SyncedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Len(t, h.store.Unsynced(), 1)

	notices := h.syncErrors()
	require.Len(t, notices, 1)
	assert.Equal(t, "warning", notices[0].Payload.(events.Notice).Level)
}

func TestPushUnsyncedSkipsAcknowledgedItems(t *testing.T) {
	remote := &fakeRemote{push: func(_ context.Context, item internal.CandidateItem) (backend.PushResult, error) {
		return backend.PushResult{ID: "r-" + item.ID}, nil
	}}
	h := newHarness(t, remote)
	h.add(t, "a")
	h.add(t, "b")
	_, err := h.store.MarkSynced("a", "r-a")
	require.NoError(t, err)

	assert.Equal(t, 1, h.coord.PushUnsynced())
	h.coord.Wait()
	assert.Equal(t, int32(1), remote.pushes.Load())
	assert.Empty(t, h.store.Unsynced())
}

func TestPullMergesRemoteStatus(t *testing.T) {
	postedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var asked []string
	remote := &fakeRemote{statuses: func(ids []string) ([]backend.RemoteItem, error) {
		asked = append(asked, ids...)
		return []backend.RemoteItem{
			{ID: "synced", RemoteID: "r-9", Status: "posted", PostedAt: &postedAt},
			{ID: "unsynced", Status: "paid"},
		}, nil
	}}
	h := newHarness(t, remote)
	h.add(t, "synced")
	h.add(t, "unsynced")
	_, err := h.store.MarkSynced("synced", "r-9")
	require.NoError(t, err)

	changed, err := h.coord.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, []string{"synced"}, asked)

	got, _ := h.store.Get("synced")
	assert.Equal(t, internal.StatusPosted, got.Status)
	require.NotNil(t, got.PostedAt)
	assert.True(t, got.PostedAt.Equal(postedAt))

	local, _ := h.store.Get("unsynced")
	assert.Equal(t, internal.StatusPending, local.Status)
}

func TestPullReportsRemoteFailure(t *testing.T) {
	remote := &fakeRemote{statuses: func([]string) ([]backend.RemoteItem, error) {
		return nil, internal.WrapError(internal.ErrTransientNetwork, "item_statuses", errors.New("timeout"))
	}}
	h := newHarness(t, remote)
	h.add(t, "a")
	_, err := h.store.MarkSynced("a", "")
	require.NoError(t, err)

	_, err = h.coord.Pull(context.Background())
	assert.ErrorIs(t, err, internal.ErrTransientNetwork)
}

func TestCloseRejectsNewPushes(t *testing.T) {
	remote := &fakeRemote{push: func(context.Context, internal.CandidateItem) (backend.PushResult, error) {
		return backend.PushResult{}, nil
	}}
	h := newHarness(t, remote)
	item := h.add(t, "a")

	h.coord.Close()
	assert.False(t, h.coord.Push(item))
	assert.Equal(t, int32(0), remote.pushes.Load())
}

func TestLocalChangeSurvivesFailedPushAndPull(t *testing.T) {
	var failing atomic.Bool
	remote := &fakeRemote{
		push: func(_ context.Context, item internal.CandidateItem) (backend.PushResult, error) {
			if failing.Load() {
				return backend.PushResult{}, internal.WrapError(internal.ErrTransientNetwork, "push_item", errors.New("connection reset"))
			}
			return backend.PushResult{ID: "r-" + item.ID}, nil
		},
		statuses: func(ids []string) ([]backend.RemoteItem, error) {
			out := make([]backend.RemoteItem, 0, len(ids))
			for _, id := range ids {
				out = append(out, backend.RemoteItem{ID: id, RemoteID: "r-" + id, Status: "pending"})
			}
			return out, nil
		},
	}
	h := newHarness(t, remote)
	item := h.add(t, "a")

	require.True(t, h.coord.Push(item))
	h.coord.Wait()
	got, _ := h.store.Get("a")
	require.NotNil(t, got.SyncedAt)

	failing.Store(true)
	_, err := h.store.UpdateStatus("a", internal.StatusApproved, &queue.Extra{Actor: "ap@example.com"})
	require.NoError(t, err)
	approved, _ := h.store.Get("a")
	require.True(t, h.coord.Push(approved))
	h.coord.Wait()

	_, err = h.coord.Pull(context.Background())
	require.NoError(t, err)

	got, _ = h.store.Get("a")
	assert.Equal(t, internal.StatusApproved, got.Status)
	assert.Nil(t, got.SyncedAt)
	unsynced := h.store.Unsynced()
	require.Len(t, unsynced, 1)
	assert.Equal(t, "a", unsynced[0].ID)

	failing.Store(false)
	assert.Equal(t, 1, h.coord.PushUnsynced())
	h.coord.Wait()
	got, _ = h.store.Get("a")
	assert.NotNil(t, got.SyncedAt)
	assert.Equal(t, internal.StatusApproved, got.Status)
}

func TestChangeDuringPushIsSentAgain(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var sent []internal.Status
	remote := &fakeRemote{push: func(_ context.Context, item internal.CandidateItem) (backend.PushResult, error) {
		mu.Lock()
		sent = append(sent, item.Status)
		first := len(sent) == 1
		mu.Unlock()
		if first {
			entered <- struct{}{}
			<-release
		}
		return backend.PushResult{ID: "r-" + item.ID}, nil
	}}
	h := newHarness(t, remote)
	item := h.add(t, "a")

	require.True(t, h.coord.Push(item))
	<-entered
	_, err := h.store.UpdateStatus("a", internal.StatusApproved, nil)
	require.NoError(t, err)
	close(release)
	h.coord.Wait()

	mu.Lock()
	assert.Equal(t, []internal.Status{internal.StatusPending, internal.StatusApproved}, sent)
	mu.Unlock()
	got, _ := h.store.Get("a")
	assert.Equal(t, internal.StatusApproved, got.Status)
	assert.NotNil(t, got.SyncedAt)
	assert.Empty(t, h.store.Unsynced())
}
