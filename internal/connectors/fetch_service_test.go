package connectors

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/config"
	"apqueue/internal/storage"
)

type fakeConnector struct {
	messages []internal.FetchedMailMessage
	err      error
}

func (f fakeConnector) FetchInbox(_ context.Context, _ string, max int) ([]internal.FetchedMailMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.messages) > max {
		return f.messages[:max], nil
	}
	return f.messages, nil
}

func TestFetchAndStore(t *testing.T) {
	tmp := t.TempDir()
	db, err := storage.Open(filepath.Join(tmp, "app.db"))
	require.NoError(t, err)
	defer db.Close()

	connector := fakeConnector{messages: []internal.FetchedMailMessage{
		{Provider: "gmail", MessageID: "m1", ThreadID: "t1", Subject: "Invoice", From: "billing@stripe.com", Raw: []byte("Subject: Invoice\r\n\r\nhi")},
		{Provider: "gmail", MessageID: "m2", ThreadID: "t2", Subject: "Empty"},
		{Provider: "gmail", MessageID: "m3", ThreadID: "t1", Subject: "Re: Invoice", Raw: []byte("Subject: Re: Invoice\r\n\r\nthanks")},
	}}
	svc := NewFetchService(connector, NewMailStore(db, filepath.Join(tmp, "raw")), nil)

	result, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Stored)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "t1", result.Rows[0].ThreadID)

	raw, err := svc.Store().Load(result.Rows[0])
	require.NoError(t, err)
	assert.Equal(t, "Subject: Invoice\r\n\r\nhi", string(raw))

	again, err := svc.FetchAndStore(context.Background(), "INBOX", 1)
	require.NoError(t, err)
	require.Len(t, again.Rows, 1)
	assert.Equal(t, result.Rows[0].ID, again.Rows[0].ID)

	_, err = NewFetchService(fakeConnector{err: errors.New("offline")}, NewMailStore(db, tmp), nil).FetchAndStore(context.Background(), "INBOX", 5)
	assert.Error(t, err)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.Config{MailProvider: "pop3"})
	assert.ErrorIs(t, err, internal.ErrConfiguration)

	_, err = New(context.Background(), config.Config{MailProvider: "imap"})
	assert.ErrorIs(t, err, internal.ErrConfiguration)
}
