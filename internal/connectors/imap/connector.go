package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"apqueue/internal"
	"apqueue/internal/config"
)

const provider = "imap"

type Connector struct {
	host     string
	port     int
	secure   bool
	user     string
	password string
	markSeen bool
	timeout  time.Duration
}

func NewConnector(cfg config.Config) (*Connector, error) {
	for _, req := range []struct{ name, value string }{
		{"IMAP_HOST", cfg.IMAPHost},
		{"IMAP_USER", cfg.IMAPUser},
		{"IMAP_PASSWORD", cfg.IMAPPassword},
	} {
		if err := cfg.Require(req.name, req.value); err != nil {
			return nil, fmt.Errorf("%w: %w", internal.ErrConfiguration, err)
		}
	}

	return &Connector{
		host:     cfg.IMAPHost,
		port:     cfg.IMAPPort,
		secure:   cfg.IMAPSecure,
		user:     cfg.IMAPUser,
		password: cfg.IMAPPassword,
		markSeen: cfg.IMAPMarkSeen,
		timeout:  time.Minute,
	}, nil
}

func (c *Connector) dial() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	var client *imapclient.Client
	var err error
	if c.secure {
		client, err = imapclient.DialTLS(addr, &tls.Config{ServerName: c.host})
	} else {
		client, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", internal.ErrTransientNetwork, addr, err)
	}
	client.Timeout = c.timeout

	if err := client.Login(c.user, c.password); err != nil {
		_ = client.Logout()
		return nil, fmt.Errorf("%w: imap login: %w", internal.ErrConfiguration, err)
	}
	return client, nil
}

// FetchInbox downloads the newest unseen messages in the mailbox named label.
// Thread identity is resolved later from the References header.
func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer client.Logout()

	stop := context.AfterFunc(ctx, func() { _ = client.Terminate() })
	defer stop()

	if _, err := client.Select(label, false); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := client.Search(criteria)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if max > 0 && len(ids) > max {
		ids = ids[len(ids)-max:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: !c.markSeen}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}
	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	out := make([]internal.FetchedMailMessage, 0, len(ids))
	var readErr error
	for msg := range messages {
		if msg == nil || readErr != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			readErr = err
			continue
		}
		out = append(out, toFetched(msg, raw))
	}

	if err := <-fetchDone; err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%w: imap fetch: %w", internal.ErrTransientNetwork, err)
	}
	return out, readErr
}

func toFetched(msg *imap.Message, raw []byte) internal.FetchedMailMessage {
	fetched := internal.FetchedMailMessage{Provider: provider, Raw: raw}
	if msg.Envelope != nil {
		fetched.MessageID = msg.Envelope.MessageId
		fetched.Subject = msg.Envelope.Subject
		fetched.From = formatAddresses(msg.Envelope.From)
	}
	if fetched.MessageID == "" {
		fetched.MessageID = fmt.Sprintf("imap-%d", msg.Uid)
	}
	if !msg.InternalDate.IsZero() {
		fetched.ReceivedAt = msg.InternalDate.UTC().Format(time.RFC3339)
	}
	return fetched
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := strings.Trim(a.MailboxName+"@"+a.HostName, "@")
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%q <%s>", a.PersonalName, email))
		} else {
			parts = append(parts, email)
		}
	}
	return strings.Join(parts, ", ")
}
