package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"apqueue/internal"
	"apqueue/internal/config"
)

const provider = "gmail"

type Connector struct {
	service *gmail.Service
	query   string
}

func NewConnector(ctx context.Context, cfg config.Config) (*Connector, error) {
	for name, value := range map[string]string{
		"GMAIL_CLIENT_ID":     cfg.GmailClientID,
		"GMAIL_CLIENT_SECRET": cfg.GmailClientSecret,
		"GMAIL_REFRESH_TOKEN": cfg.GmailRefreshToken,
	} {
		if err := cfg.Require(name, value); err != nil {
			return nil, fmt.Errorf("%w: %w", internal.ErrConfiguration, err)
		}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, err
	}

	return &Connector{service: svc, query: "newer_than:30d"}, nil
}

// FetchInbox lists the newest messages under label and downloads each one
// in raw form. The Gmail thread id becomes the queue identity.
func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	listResp, err := c.service.Users.Messages.List("me").
		LabelIds(label).
		Q(c.query).
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("%w: list gmail messages: %w", internal.ErrTransientNetwork, err)
	}

	out := make([]internal.FetchedMailMessage, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		if ref.Id == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		msg, err := c.service.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			return out, fmt.Errorf("%w: get gmail message %s: %w", internal.ErrTransientNetwork, ref.Id, err)
		}
		if msg.Raw == "" {
			continue
		}

		raw, err := decodeBase64URL(msg.Raw)
		if err != nil {
			return out, err
		}

		fetched := internal.FetchedMailMessage{
			Provider:  provider,
			MessageID: msg.Id,
			ThreadID:  msg.ThreadId,
			Raw:       raw,
		}
		if msg.InternalDate > 0 {
			fetched.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC().Format(time.RFC3339)
		}
		if header, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
			fetched.Subject = header.Header.Get("Subject")
			fetched.From = header.Header.Get("From")
			if fetched.ReceivedAt == "" {
				if t, err := header.Header.Date(); err == nil {
					fetched.ReceivedAt = t.UTC().Format(time.RFC3339)
				}
			}
		}
		out = append(out, fetched)
	}

	return out, nil
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("decode gmail raw payload: %w", err)
}
