package gmail

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/config"
)

func TestDecodeBase64URL(t *testing.T) {
	raw := []byte("Subject: Invoice\r\n\r\nbody??>>")
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		decoded, err := decodeBase64URL(enc.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, decoded)
	}
	_, err := decodeBase64URL("***")
	assert.Error(t, err)
}

func TestNewConnectorRequiresCredentials(t *testing.T) {
	_, err := NewConnector(t.Context(), config.Config{GmailClientID: "id"})
	assert.ErrorIs(t, err, internal.ErrConfiguration)
}
