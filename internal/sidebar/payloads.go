package sidebar

import (
	"encoding/json"

	"apqueue/internal"
)

// ActionPayload accompanies approve, reject, retry, mark-paid and fix
// requests. Every field is optional.
type ActionPayload struct {
	Fields *internal.DetectedFields `json:"fields,omitempty"`
	Reason string                   `json:"reason,omitempty"`
	Note   string                   `json:"note,omitempty"`
}

type HistoryRequest struct {
	Limit int `json:"limit"`
}

type ConnectRequest struct {
	ERP string `json:"erp"`
}

type ExportPayload struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Rows     int    `json:"rows"`
}

type ConnectURLPayload struct {
	ERP     string `json:"erp"`
	AuthURL string `json:"authUrl"`
}

// decode accepts a payload of type T or *T, or any JSON-shaped value
// (map, raw message, bytes) that unmarshals into T.
func decode[T any](payload any) (T, bool) {
	var zero T
	switch v := payload.(type) {
	case nil:
		return zero, false
	case T:
		return v, true
	case *T:
		if v == nil {
			return zero, false
		}
		return *v, true
	case json.RawMessage:
		return unmarshal[T](v)
	case []byte:
		return unmarshal[T](v)
	case string:
		return unmarshal[T]([]byte(v))
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return zero, false
	}
	return unmarshal[T](blob)
}

func unmarshal[T any](blob []byte) (T, bool) {
	var out T
	if err := json.Unmarshal(blob, &out); err != nil {
		return out, false
	}
	return out, true
}
