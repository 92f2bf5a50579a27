package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/ingest/pkg/protocol"
)

// Error points recorded on runs that failed outside of stream processing.
const (
	ErrorPointCheckExistingRun = "check_existing_run"
	ErrorPointResolve          = "resolve_handler"
	ErrorPointPreprocess       = "preprocess"
	ErrorPointGetStreams       = "get_streams"
	ErrorPointPostprocess      = "postprocess"
	ErrorPointStream           = "process_stream"
	ErrorPointWebhook          = "process_webhook"
)

var ErrRunActive = errors.New("another run is active for the same target")

type errorDocument struct {
	ErrorPoint string `json:"errorPoint"`
	Message    string `json:"message"`
	RateLimit  int    `json:"rateLimitResetSeconds,omitempty"`
}

// encodeError renders err into the json stored on runs, streams and webhooks.
func encodeError(point string, err error) json.RawMessage {
	doc := errorDocument{ErrorPoint: point, Message: err.Error()}

	var rl *protocol.RateLimitError
	if errors.As(err, &rl) {
		doc.RateLimit = rl.ResetSeconds
	}

	raw, merr := json.Marshal(doc)
	if merr != nil {
		return json.RawMessage(fmt.Sprintf(`{"errorPoint":%q}`, point))
	}

	return raw
}
