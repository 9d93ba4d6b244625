package scanner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/connectors"
	"apqueue/internal/events"
	"apqueue/internal/queue"
	"apqueue/internal/storage"
	"apqueue/internal/triage"
)

const stripeMail = "From: Stripe Billing <billing@stripe.com>\r\n" +
	"To: ap@acme.test\r\n" +
	"Subject: Invoice #12345 from Stripe\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"Message-ID: <inv-12345@stripe.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Amount due: $2,450.50\r\nDue March 30, 2026\r\n"

const lunchMail = "From: Friend <friend@example.com>\r\n" +
	"To: ap@acme.test\r\n" +
	"Subject: Lunch tomorrow?\r\n" +
	"Date: Mon, 02 Mar 2026 11:00:00 +0000\r\n" +
	"Message-ID: <lunch@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See you at noon\r\n"

type inbox struct {
	messages []internal.FetchedMailMessage
}

func (i inbox) FetchInbox(context.Context, string, int) ([]internal.FetchedMailMessage, error) {
	return i.messages, nil
}

type pushRecorder struct {
	mu    sync.Mutex
	items []internal.CandidateItem
}

func (p *pushRecorder) Push(item internal.CandidateItem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return true
}

type fixture struct {
	db      *storage.DB
	store   *queue.Store
	pusher  *pushRecorder
	service *Service
	batches []BatchResult
}

func newFixture(t *testing.T, cooldown time.Duration) *fixture {
	t.Helper()
	tmp := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.Open(filepath.Join(tmp, "apqueue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, pusher: &pushRecorder{}}
	bus := events.NewBus(logger)
	bus.Subscribe(func(evt events.Event) {
		f.batches = append(f.batches, evt.Payload.(BatchResult))
	}, events.BatchComplete)

	f.store = queue.NewStore(db, bus, logger)
	require.NoError(t, f.store.Load())

	mailStore := connectors.NewMailStore(db, filepath.Join(tmp, "raw"))
	fetcher := connectors.NewFetchService(inbox{messages: []internal.FetchedMailMessage{
		{Provider: "gmail", MessageID: "m-1", ThreadID: "thread-1", Subject: "Invoice #12345 from Stripe", From: "billing@stripe.com", Raw: []byte(stripeMail)},
		{Provider: "gmail", MessageID: "m-2", ThreadID: "thread-2", Subject: "Lunch tomorrow?", From: "friend@example.com", Raw: []byte(lunchMail)},
	}}, mailStore, logger)
	triager := triage.NewService(triage.NewEngine(nil), f.store, nil, nil, logger)

	f.service = NewService(fetcher, mailStore, db, triager, f.pusher, bus, Options{
		Label:    "INBOX",
		FetchMax: 10,
		Cooldown: cooldown,
	}, nil, logger)
	return f
}

func TestScanQueuesInvoicesAndDiscardsNoise(t *testing.T) {
	f := newFixture(t, 0)

	result, err := f.service.RequestScan(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ScanID)
	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Queued)
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, 1, result.Pushed)

	item, ok := f.store.Get("thread-1")
	require.True(t, ok)
	assert.Equal(t, internal.StatusNeedsReview, item.Status)
	assert.Equal(t, internal.TierMedium, item.Tier)
	assert.Equal(t, "Stripe", item.Detected.Vendor)
	require.NotNil(t, item.Detected.Amount)
	assert.InDelta(t, 2450.50, *item.Detected.Amount, 0.001)
	_, ok = f.store.Get("thread-2")
	assert.False(t, ok)

	require.Len(t, f.pusher.items, 1)
	assert.Equal(t, "thread-1", f.pusher.items[0].ID)

	queued, err := f.db.ListMessagesByStatus("queued", 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
	discarded, err := f.db.ListMessagesByStatus("discarded", 10)
	require.NoError(t, err)
	assert.Len(t, discarded, 1)

	require.Len(t, f.batches, 1)
	assert.Equal(t, result.ScanID, f.batches[0].ScanID)
}

func TestRescanDoesNotRequeue(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.service.Scan(context.Background())
	require.NoError(t, err)
	again, err := f.service.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, again.Fetched)
	assert.Zero(t, again.Processed)
	assert.Equal(t, 1, f.store.Len())
	assert.Len(t, f.pusher.items, 1)
}

func TestScanRequestInsideCooldownIsDropped(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.service.RequestScan(context.Background())
	require.NoError(t, err)

	_, err = f.service.RequestScan(context.Background())
	assert.ErrorIs(t, err, ErrScanCooldown)
	assert.Len(t, f.batches, 1)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.service.Run(ctx) }()

	require.Eventually(t, func() bool { return f.store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
