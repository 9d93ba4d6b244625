package connectors

import (
	"context"
	"fmt"
	"strings"

	"apqueue/internal"
	"apqueue/internal/config"
	"apqueue/internal/connectors/gmail"
	"apqueue/internal/connectors/imap"
)

// MailConnector fetches recent inbox messages as raw RFC 822 bytes.
type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}

func New(ctx context.Context, cfg config.Config) (MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.MailProvider)) {
	case "gmail", "":
		c, err := gmail.NewConnector(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "imap":
		c, err := imap.NewConnector(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unsupported MAIL_PROVIDER %q", internal.ErrConfiguration, cfg.MailProvider)
	}
}
