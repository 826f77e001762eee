package p2p

import (
	"github.com/goccy/go-json"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
)

// SyncRequest asks a peer for up to Limit events starting at From.
type SyncRequest struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit"`
}

type SyncResponse struct {
	Events []event.Event `json:"events"`
	Error  string        `json:"error,omitempty"`
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(b []byte, v any) error { return json.Unmarshal(b, v) }
