package connectors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"apqueue/internal"
)

type MessageIndex interface {
	UpsertMessage(msg internal.MessageRow) (internal.MessageRow, error)
}

// MailStore keeps raw messages on disk, content-addressed by sha256, and
// indexes them by provider message id.
type MailStore struct {
	index      MessageIndex
	rawMailDir string
}

func NewMailStore(index MessageIndex, rawMailDir string) *MailStore {
	return &MailStore{index: index, rawMailDir: rawMailDir}
}

func (s *MailStore) Store(msg internal.FetchedMailMessage) (internal.MessageRow, error) {
	if len(msg.Raw) == 0 {
		return internal.MessageRow{}, fmt.Errorf("message %s has no content", msg.MessageID)
	}
	sum := sha256.Sum256(msg.Raw)
	hash := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(s.rawMailDir, 0o755); err != nil {
		return internal.MessageRow{}, err
	}
	rawPath := filepath.Join(s.rawMailDir, hash+".eml")
	if _, err := os.Stat(rawPath); os.IsNotExist(err) {
		if err := os.WriteFile(rawPath, msg.Raw, 0o644); err != nil {
			return internal.MessageRow{}, err
		}
	}

	return s.index.UpsertMessage(internal.MessageRow{
		Provider:   msg.Provider,
		MessageID:  msg.MessageID,
		ThreadID:   msg.ThreadID,
		Subject:    msg.Subject,
		Sender:     msg.From,
		ReceivedAt: msg.ReceivedAt,
		Hash:       hash,
		RawRef:     rawPath,
	})
}

func (s *MailStore) Load(row internal.MessageRow) ([]byte, error) {
	return os.ReadFile(row.RawRef)
}
