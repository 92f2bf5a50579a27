// Package memory provides an in-process persistence implementation for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/ingest/pkg/persistence"
	"github.com/google/uuid"
)

// Option configures a Persistence.
type Option func(*Persistence)

// WithClock sets the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(p *Persistence) { p.now = now }
}

// WithMaxRetries sets the stream retry ceiling used by eligibility and TouchState.
func WithMaxRetries(n int) Option {
	return func(p *Persistence) { p.maxRetries = n }
}

// Persistence keeps every entity in maps guarded by one mutex so that
// multi-entity operations such as TouchState are atomic.
type Persistence struct {
	mu         sync.Mutex
	now        func() time.Time
	maxRetries int
	seq        int64

	runs          map[string]*runRow
	streams       map[string]*streamRow
	webhooks      map[string]*webhookRow
	integrations  map[string]*integrationRow
	microservices map[string]*microserviceRow
}

// New creates an empty in-memory persistence.
func New(opts ...Option) *Persistence {
	p := &Persistence{
		now:           time.Now,
		maxRetries:    5,
		runs:          make(map[string]*runRow),
		streams:       make(map[string]*streamRow),
		webhooks:      make(map[string]*webhookRow),
		integrations:  make(map[string]*integrationRow),
		microservices: make(map[string]*microserviceRow),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Persistence) Runs() persistence.RunRepository                   { return &runRepository{p} }
func (p *Persistence) Streams() persistence.StreamRepository             { return &streamRepository{p} }
func (p *Persistence) Webhooks() persistence.WebhookRepository           { return &webhookRepository{p} }
func (p *Persistence) Integrations() persistence.IntegrationRepository   { return &integrationRepository{p} }
func (p *Persistence) Microservices() persistence.MicroserviceRepository { return &microserviceRepository{p} }

func (p *Persistence) HealthCheck(ctx context.Context) error { return nil }

func (p *Persistence) Close(ctx context.Context) error { return nil }

func (p *Persistence) nextSeq() int64 {
	p.seq++

	return p.seq
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

type sequenced interface {
	sequence() int64
}

// page sorts rows with less and returns one page of them.
func page[T sequenced](rows []T, less func(a, b T) bool, pageNum, perPage int) []T {
	sort.SliceStable(rows, func(i, j int) bool {
		if less != nil {
			if less(rows[i], rows[j]) {
				return true
			}

			if less(rows[j], rows[i]) {
				return false
			}
		}

		return rows[i].sequence() < rows[j].sequence()
	})

	start := persistence.Offset(pageNum, perPage)
	if start >= len(rows) {
		return nil
	}

	return rows[start:min(start+perPage, len(rows))]
}
