package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"apqueue/internal"
	"apqueue/internal/events"
	"apqueue/internal/settings"
)

const defaultSlackBuffer = 64

type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SettingsSource interface {
	Current() settings.Settings
}

type slackMessage struct {
	channel string
	text    string
	blocks  []slack.Block
}

// Slack posts queue items that need attention to the configured channel.
// Posting happens on a background worker; when its buffer is full new
// messages are dropped.
type Slack struct {
	api      SlackAPI
	settings SettingsSource
	logger   *slog.Logger
	buf      chan slackMessage

	once sync.Once
	wg   sync.WaitGroup
}

func NewSlack(api SlackAPI, source SettingsSource, buffer int, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSlackBuffer
	}
	return &Slack{api: api, settings: source, logger: logger, buf: make(chan slackMessage, buffer)}
}

// NewSlackClient builds the slack-go client for token.
func NewSlackClient(token string, options ...slack.Option) *slack.Client {
	return slack.New(token, options...)
}

// Types lists the bus events the notifier cares about.
func (s *Slack) Types() []events.Type {
	return []events.Type{events.ItemAdded, events.StatusChanged}
}

// Start runs the posting worker until ctx ends.
func (s *Slack) Start(ctx context.Context) {
	s.once.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-s.buf:
					s.post(ctx, msg)
				}
			}
		}()
	})
}

// Wait blocks until the worker has stopped.
func (s *Slack) Wait() {
	s.wg.Wait()
}

func (s *Slack) post(ctx context.Context, msg slackMessage) {
	options := []slack.MsgOption{slack.MsgOptionText(msg.text, false)}
	if len(msg.blocks) > 0 {
		options = append(options, slack.MsgOptionBlocks(msg.blocks...))
	}
	if _, _, err := s.api.PostMessageContext(ctx, msg.channel, options...); err != nil {
		s.logger.Warn("slack post failed", "channel", msg.channel, "error", err)
	}
}

func (s *Slack) Handle(evt events.Event) {
	channel := strings.TrimSpace(s.settings.Current().SlackChannel)
	if channel == "" {
		return
	}
	text, ok := slackText(evt)
	if !ok {
		return
	}
	msg := slackMessage{
		channel: channel,
		text:    text,
		blocks: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		},
	}
	select {
	case s.buf <- msg:
	default:
		s.logger.Warn("slack buffer full, dropping notification", "event", string(evt.Type), "item", evt.ItemID)
	}
}

func slackText(evt events.Event) (string, bool) {
	if evt.Item == nil {
		return "", false
	}
	item := *evt.Item

	var headline string
	switch {
	case item.Status == internal.StatusNeedsReview:
		headline = ":eyes: *%s* needs review"
	case evt.Type == events.StatusChanged && item.Status == internal.StatusError:
		headline = ":x: *%s* failed"
	case evt.Type == events.StatusChanged && item.Status == internal.StatusPosted:
		headline = ":white_check_mark: *%s* posted to the ERP"
	default:
		return "", false
	}

	text := fmt.Sprintf(headline, slackLabel(item))
	var details []string
	if item.Detected.Amount != nil {
		details = append(details, strings.TrimSpace(fmt.Sprintf("%s %.2f", item.Detected.Currency, *item.Detected.Amount)))
	}
	if item.Detected.InvoiceNumber != "" {
		details = append(details, "#"+item.Detected.InvoiceNumber)
	}
	if item.Status == internal.StatusNeedsReview {
		details = append(details, fmt.Sprintf("confidence %.0f%%", item.Confidence*100))
	}
	if len(details) > 0 {
		text += "\n" + strings.Join(details, " · ")
	}
	if item.ErrorMessage != "" {
		text += "\n> " + item.ErrorMessage
	}
	return text, true
}

func slackLabel(item internal.CandidateItem) string {
	if item.Detected.Vendor != "" {
		return "Invoice from " + item.Detected.Vendor
	}
	if item.Subject != "" {
		return item.Subject
	}
	return item.ID
}
