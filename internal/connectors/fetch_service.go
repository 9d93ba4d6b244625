package connectors

import (
	"context"
	"log/slog"

	"apqueue/internal"
)

type FetchService struct {
	connector MailConnector
	store     *MailStore
	logger    *slog.Logger
}

type FetchResult struct {
	Fetched int
	Stored  int
	Rows    []internal.MessageRow
}

func NewFetchService(connector MailConnector, store *MailStore, logger *slog.Logger) *FetchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchService{connector: connector, store: store, logger: logger}
}

// FetchAndStore pulls up to max messages and stores them. A message that
// cannot be stored is logged and skipped.
func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	result := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		row, err := s.store.Store(msg)
		if err != nil {
			s.logger.Warn("store fetched message failed", "provider", msg.Provider, "message_id", msg.MessageID, "error", err)
			continue
		}
		result.Stored++
		result.Rows = append(result.Rows, row)
	}
	s.logger.Debug("inbox fetched", "label", label, "fetched", result.Fetched, "stored", result.Stored)
	return result, nil
}

func (s *FetchService) Store() *MailStore {
	return s.store
}
