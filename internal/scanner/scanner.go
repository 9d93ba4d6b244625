package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"apqueue/internal"
	"apqueue/internal/connectors"
	"apqueue/internal/events"
	"apqueue/internal/mailparse"
	"apqueue/internal/observability/metrics"
	"apqueue/internal/triage"
)

var (
	ErrScanCooldown = errors.New("scan requested inside the cooldown window")
	ErrScanRunning  = errors.New("a scan is already running")
)

// Message index states.
const (
	messageFetched   = "fetched"
	messageQueued    = "queued"
	messageDiscarded = "discarded"
	messageSkipped   = "skipped"
	messageFailed    = "failed"
)

type Fetcher interface {
	FetchAndStore(ctx context.Context, label string, max int) (connectors.FetchResult, error)
}

type RawLoader interface {
	Load(row internal.MessageRow) ([]byte, error)
}

type MessageIndex interface {
	ListMessagesByStatus(status string, limit int) ([]internal.MessageRow, error)
	UpdateMessageStatus(id int, status string) error
}

type Triager interface {
	Triage(email triage.Email) (triage.Outcome, error)
}

type Pusher interface {
	Push(item internal.CandidateItem) bool
}

type Publisher interface {
	Publish(events.Event)
}

type Options struct {
	Label    string
	FetchMax int
	Cooldown time.Duration
	Interval time.Duration
}

type BatchResult struct {
	ScanID    string        `json:"scanId"`
	Fetched   int           `json:"fetched"`
	Stored    int           `json:"stored"`
	Processed int           `json:"processed"`
	Queued    int           `json:"queued"`
	Discarded int           `json:"discarded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Pushed    int           `json:"pushed"`
	Duration  time.Duration `json:"duration"`
}

// Service runs inbox scans: fetch, parse, triage and push.
type Service struct {
	fetcher Fetcher
	raw     RawLoader
	index   MessageIndex
	triager Triager
	pusher  Pusher
	bus     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options

	cooldown *rate.Limiter
	running  atomic.Bool
}

func NewService(fetcher Fetcher, raw RawLoader, index MessageIndex, triager Triager, pusher Pusher, bus Publisher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FetchMax <= 0 {
		opts.FetchMax = 25
	}
	if opts.Label == "" {
		opts.Label = "INBOX"
	}
	limit := rate.Inf
	if opts.Cooldown > 0 {
		limit = rate.Every(opts.Cooldown)
	}
	return &Service{
		fetcher:  fetcher,
		raw:      raw,
		index:    index,
		triager:  triager,
		pusher:   pusher,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		cooldown: rate.NewLimiter(limit, 1),
	}
}

// RequestScan runs a scan unless one ran within the cooldown window or is
// still running. Dropped requests are not queued.
func (s *Service) RequestScan(ctx context.Context) (BatchResult, error) {
	if !s.cooldown.Allow() {
		s.metrics.ObserveScan("dropped")
		s.logger.Debug("scan request dropped", "reason", "cooldown")
		return BatchResult{}, ErrScanCooldown
	}
	return s.Scan(ctx)
}

// Scan runs one scan now, ignoring the cooldown.
func (s *Service) Scan(ctx context.Context) (BatchResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ObserveScan("dropped")
		return BatchResult{}, ErrScanRunning
	}
	defer s.running.Store(false)

	start := time.Now()
	result := BatchResult{ScanID: uuid.NewString()}
	logger := s.logger.With("scan_id", result.ScanID)

	if s.fetcher != nil {
		fetched, err := s.fetcher.FetchAndStore(ctx, s.opts.Label, s.opts.FetchMax)
		if err != nil {
			s.metrics.ObserveScan("error")
			logger.Error("inbox fetch failed", "label", s.opts.Label, "error", err)
			return result, err
		}
		result.Fetched = fetched.Fetched
		result.Stored = fetched.Stored
	}

	rows, err := s.index.ListMessagesByStatus(messageFetched, s.opts.FetchMax*4)
	if err != nil {
		s.metrics.ObserveScan("error")
		return result, err
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		s.processRow(row, &result, logger)
	}

	result.Duration = time.Since(start)
	s.metrics.ObserveScan("ok")
	logger.Info("scan complete",
		"fetched", result.Fetched,
		"processed", result.Processed,
		"queued", result.Queued,
		"discarded", result.Discarded,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration_ms", result.Duration.Milliseconds(),
	)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.BatchComplete, Payload: result})
	}
	return result, ctx.Err()
}

func (s *Service) processRow(row internal.MessageRow, result *BatchResult, logger *slog.Logger) {
	result.Processed++
	state, err := s.triageRow(row, result)
	if err != nil {
		result.Failed++
		state = messageFailed
		logger.Warn("message triage failed", "message_id", row.MessageID, "error", err)
	}
	if err := s.index.UpdateMessageStatus(row.ID, state); err != nil {
		logger.Error("update message status failed", "message_id", row.MessageID, "error", err)
	}
}

func (s *Service) triageRow(row internal.MessageRow, result *BatchResult) (string, error) {
	raw, err := s.raw.Load(row)
	if err != nil {
		return "", err
	}
	email, err := mailparse.Parse(raw, row)
	if err != nil {
		return "", err
	}
	outcome, err := s.triager.Triage(email)
	if err != nil {
		return "", err
	}

	switch {
	case outcome.Skipped:
		result.Skipped++
		return messageSkipped, nil
	case !outcome.Queued:
		result.Discarded++
		return messageDiscarded, nil
	}
	result.Queued++
	if s.pusher != nil && s.pusher.Push(outcome.Item) {
		result.Pushed++
	}
	return messageQueued, nil
}

// Run requests a scan every interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	interval := s.opts.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	for {
		if _, err := s.RequestScan(ctx); err != nil && !errors.Is(err, ErrScanCooldown) && !errors.Is(err, ErrScanRunning) {
			s.logger.Error("scan cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
