package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/events"
	"apqueue/internal/observability/logging"
)

type captured struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []captured
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.msgs = append(f.msgs, captured{subject: subject, data: data})
	return f.err
}

func TestNATSForwarderPublishesEnvelope(t *testing.T) {
	conn := &fakeConn{}
	fwd := &NATSForwarder{pub: conn, subject: "apqueue.events", logger: logging.Discard()}

	item := internal.CandidateItem{ID: "a", Status: internal.StatusApproved}
	fwd.Handle(events.Event{
		Type:     events.StatusChanged,
		ItemID:   "a",
		Item:     &item,
		Snapshot: []internal.CandidateItem{item, item},
		At:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "apqueue.events.status-changed", conn.msgs[0].subject)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &decoded))
	assert.Equal(t, "status-changed", decoded["type"])
	assert.Equal(t, "a", decoded["itemId"])
	assert.NotContains(t, decoded, "snapshot")
}

func TestNATSForwarderSurvivesPublishErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	fwd := &NATSForwarder{pub: conn, subject: "apqueue.events", logger: logging.Discard()}
	fwd.Handle(events.Event{Type: events.DataCleared})
	assert.Len(t, conn.msgs, 1)
	fwd.Close()
}

func TestNewNATSForwarderFailsWithoutServer(t *testing.T) {
	_, err := NewNATSForwarder("nats://127.0.0.1:1", "apqueue.events", NATSOptions{ConnectTimeout: 200 * time.Millisecond}, logging.Discard())
	assert.Error(t, err)
}
