package triage

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"apqueue/internal"
	"apqueue/internal/observability/metrics"
	"apqueue/internal/settings"
	"apqueue/internal/util"
)

const minAnomalyHistory = 3

type Store interface {
	Add(item internal.CandidateItem) (internal.CandidateItem, error)
	List() []internal.CandidateItem
	MarkProcessed(ids ...string) error
	IsProcessed(id string) bool
}

type SettingsSource interface {
	Current() settings.Settings
}

type Anomaly struct {
	Average float64 `json:"average"`
	Ratio   float64 `json:"ratio"`
}

type Outcome struct {
	Result  Result                 `json:"result"`
	Item    internal.CandidateItem `json:"item"`
	Queued  bool                   `json:"queued"`
	Skipped bool                   `json:"skipped"`
	Anomaly *Anomaly               `json:"anomaly,omitempty"`
}

// Service classifies emails and queues the ones above the discard tier.
type Service struct {
	engine   *Engine
	store    Store
	settings SettingsSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewService(engine *Engine, store Store, source SettingsSource, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, store: store, settings: source, metrics: m, logger: logger}
}

// Triage classifies email unless its id was already processed.
func (s *Service) Triage(email Email) (Outcome, error) {
	id := email.ItemID()
	if id == "" {
		return Outcome{}, fmt.Errorf("triage: %w", internal.ErrUnknownItem)
	}
	if s.store.IsProcessed(id) {
		return Outcome{Skipped: true}, nil
	}
	return s.run(email)
}

// Retriage classifies email again regardless of the processed set. Identical
// input yields an identical queue entry.
func (s *Service) Retriage(email Email) (Outcome, error) {
	if email.ItemID() == "" {
		return Outcome{}, fmt.Errorf("retriage: %w", internal.ErrUnknownItem)
	}
	return s.run(email)
}

func (s *Service) run(email Email) (Outcome, error) {
	id := email.ItemID()
	thresholds := DefaultThresholds
	anomalyRatio := settings.DefaultAmountAnomalyThreshold
	if s.settings != nil {
		current := s.settings.Current()
		thresholds = thresholds.WithHigh(current.ConfidenceThreshold)
		anomalyRatio = current.AmountAnomalyThreshold
	}

	result := s.engine.ClassifyWith(email, thresholds)
	s.metrics.ObserveTriage(result.Tier)
	outcome := Outcome{Result: result}

	status, queue := StatusFor(result.Tier)
	if !queue {
		s.logger.Debug("email discarded", "id", id, "score", result.Score)
		return outcome, s.store.MarkProcessed(id)
	}

	if anomaly := detectAnomaly(id, result.Detected, s.store.List(), anomalyRatio); anomaly != nil {
		outcome.Anomaly = anomaly
		if status == internal.StatusPending {
			status = internal.StatusNeedsReview
		}
		s.logger.Info("amount anomaly, holding for review", "id", id, "vendor", result.Detected.Vendor, "average", anomaly.Average, "ratio", anomaly.Ratio)
	}

	item, err := s.store.Add(internal.CandidateItem{
		ID:         id,
		ThreadID:   email.ThreadID,
		Subject:    email.Subject,
		Sender:     email.Sender,
		ReceivedAt: email.ReceivedAt,
		Source:     internal.SourceScan,
		Detected:   result.Detected,
		Confidence: result.Confidence,
		Tier:       result.Tier,
		Status:     status,
	})
	if err != nil {
		return outcome, err
	}
	outcome.Item = item
	outcome.Queued = true

	s.logger.Info("email queued", "id", id, "tier", string(result.Tier), "score", result.Score, "status", string(item.Status))
	return outcome, s.store.MarkProcessed(id)
}

// detectAnomaly compares the amount with the average of earlier items from
// the same vendor in the same currency.
func detectAnomaly(id string, fields internal.DetectedFields, history []internal.CandidateItem, ratio float64) *Anomaly {
	if fields.Amount == nil || ratio <= 0 {
		return nil
	}
	vendor := util.NormalizeVendor(fields.Vendor)
	if vendor == "" {
		return nil
	}

	sum, n := 0.0, 0
	for _, item := range history {
		if item.ID == id || item.Detected.Amount == nil || item.Status == internal.StatusRejected {
			continue
		}
		if util.NormalizeVendor(item.Detected.Vendor) != vendor {
			continue
		}
		if !strings.EqualFold(item.Detected.Currency, fields.Currency) {
			continue
		}
		sum += *item.Detected.Amount
		n++
	}
	if n < minAnomalyHistory || sum <= 0 {
		return nil
	}

	avg := sum / float64(n)
	deviation := math.Abs(*fields.Amount-avg) / avg
	if deviation <= ratio {
		return nil
	}
	return &Anomaly{Average: avg, Ratio: deviation}
}
