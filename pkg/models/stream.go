package models

import (
	"encoding/json"
	"time"
)

// StreamState represents the lifecycle state of a stream inside a run.
type StreamState string

const (
	StreamStatePending    StreamState = "pending"
	StreamStateProcessing StreamState = "processing"
	StreamStateProcessed  StreamState = "processed"
	StreamStateError      StreamState = "error"
)

// RetryBackoffStep is the per-retry wait before an errored stream becomes eligible again.
const RetryBackoffStep = 5 * time.Minute

// Stream is a unit of work inside a run, such as one channel or one page of a listing.
type Stream struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	TenantID    string          `json:"tenant_id"`
	Target      RunTarget       `json:"target"`
	Name        string          `json:"name"`
	State       StreamState     `json:"state"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Retries     int             `json:"retries"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with s.
func (s *Stream) Clone() *Stream {
	c := *s
	c.ProcessedAt = cloneTime(s.ProcessedAt)
	c.Error = cloneRaw(s.Error)

	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}

	return &c
}

// IsEligibleForRetry reports whether an errored stream may be picked again at now.
// The wait grows linearly with the retry count.
func IsEligibleForRetry(now, updatedAt time.Time, retries, maxRetries int) bool {
	if retries >= maxRetries {
		return false
	}

	return !now.Before(updatedAt.Add(time.Duration(retries) * RetryBackoffStep))
}

// IsEligible reports whether the stream may be claimed at now.
func (s *Stream) IsEligible(now time.Time, maxRetries int) bool {
	switch s.State {
	case StreamStatePending:
		return true
	case StreamStateError:
		return IsEligibleForRetry(now, s.UpdatedAt, s.Retries, maxRetries)
	default:
		return false
	}
}

// StreamClass buckets a stream for run state derivation.
type StreamClass int

const (
	StreamClassActive StreamClass = iota
	StreamClassRetryable
	StreamClassFailed
	StreamClassProcessed
)

// Classify buckets the stream given the retry ceiling.
func (s *Stream) Classify(maxRetries int) StreamClass {
	switch s.State {
	case StreamStateProcessed:
		return StreamClassProcessed
	case StreamStateError:
		if s.Retries < maxRetries {
			return StreamClassRetryable
		}

		return StreamClassFailed
	default:
		return StreamClassActive
	}
}

// StreamTally counts the streams of a run by class.
type StreamTally struct {
	Active    int
	Retryable int
	Failed    int
	Processed int
}

// TallyStreams counts streams by class.
func TallyStreams(streams []*Stream, maxRetries int) StreamTally {
	var t StreamTally

	for _, s := range streams {
		switch s.Classify(maxRetries) {
		case StreamClassActive:
			t.Active++
		case StreamClassRetryable:
			t.Retryable++
		case StreamClassFailed:
			t.Failed++
		case StreamClassProcessed:
			t.Processed++
		}
	}

	return t
}

// DeriveRunState computes the state a run should hold given its streams.
// While any stream can still progress the current state is kept.
func DeriveRunState(current RunState, tally StreamTally) RunState {
	if tally.Active > 0 || tally.Retryable > 0 {
		return current
	}

	if tally.Failed > 0 {
		return RunStateError
	}

	return RunStateProcessed
}
