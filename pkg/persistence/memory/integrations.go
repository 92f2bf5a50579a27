package memory

import (
	"context"
	"strings"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

type integrationRow struct {
	integration *models.Integration
	seq         int64
}

func (r *integrationRow) sequence() int64 { return r.seq }

type microserviceRow struct {
	microservice *models.Microservice
	seq          int64
}

func (r *microserviceRow) sequence() int64 { return r.seq }

type integrationRepository struct {
	p *Persistence
}

func (r *integrationRepository) Save(ctx context.Context, integration *models.Integration) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if integration.ID == "" {
		integration.ID = newID()
	}

	if integration.Status == "" {
		integration.Status = models.IntegrationStatusDone
	}

	now := r.p.now()
	if integration.CreatedAt.IsZero() {
		integration.CreatedAt = now
	}

	integration.UpdatedAt = now

	copied := *integration
	seq := r.p.nextSeq()

	if existing, ok := r.p.integrations[integration.ID]; ok {
		seq = existing.seq
	}

	r.p.integrations[integration.ID] = &integrationRow{integration: &copied, seq: seq}

	return nil
}

func (r *integrationRepository) FindByID(ctx context.Context, id string) (*models.Integration, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.integrations[id]
	if !ok || row.integration.DeletedAt != nil {
		return nil, persistence.NewEntityError("FindByID", "integration", id, persistence.ErrIntegrationNotFound)
	}

	copied := *row.integration

	return &copied, nil
}

func (r *integrationRepository) FindAllActive(ctx context.Context, platform string, pageNum, perPage int) ([]*models.Integration, error) {
	return r.list(func(i *models.Integration) bool {
		return i.Platform == platform && i.Status == models.IntegrationStatusDone
	}, pageNum, perPage), nil
}

func (r *integrationRepository) FindByStatus(ctx context.Context, status models.IntegrationStatus, pageNum, perPage int) ([]*models.Integration, error) {
	return r.list(func(i *models.Integration) bool { return i.Status == status }, pageNum, perPage), nil
}

func (r *integrationRepository) UpdateStatus(ctx context.Context, id string, status models.IntegrationStatus) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.integrations[id]
	if !ok || row.integration.DeletedAt != nil {
		return persistence.NewEntityError("UpdateStatus", "integration", id, persistence.ErrIntegrationNotFound)
	}

	row.integration.Status = status
	row.integration.UpdatedAt = r.p.now()

	return nil
}

func (r *integrationRepository) list(match func(*models.Integration) bool, pageNum, perPage int) []*models.Integration {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var rows []*integrationRow

	for _, row := range r.p.integrations {
		if row.integration.DeletedAt == nil && match(row.integration) {
			rows = append(rows, row)
		}
	}

	rows = page(rows, func(a, b *integrationRow) bool {
		return strings.Compare(a.integration.ID, b.integration.ID) < 0
	}, pageNum, perPage)

	out := make([]*models.Integration, len(rows))
	for i, row := range rows {
		copied := *row.integration
		out[i] = &copied
	}

	return out
}

type microserviceRepository struct {
	p *Persistence
}

func (r *microserviceRepository) Save(ctx context.Context, microservice *models.Microservice) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if microservice.ID == "" {
		microservice.ID = newID()
	}

	now := r.p.now()
	if microservice.CreatedAt.IsZero() {
		microservice.CreatedAt = now
	}

	microservice.UpdatedAt = now

	copied := *microservice
	seq := r.p.nextSeq()

	if existing, ok := r.p.microservices[microservice.ID]; ok {
		seq = existing.seq
	}

	r.p.microservices[microservice.ID] = &microserviceRow{microservice: &copied, seq: seq}

	return nil
}

func (r *microserviceRepository) FindByID(ctx context.Context, id string) (*models.Microservice, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.microservices[id]
	if !ok {
		return nil, persistence.NewEntityError("FindByID", "microservice", id, persistence.ErrMicroserviceNotFound)
	}

	copied := *row.microservice

	return &copied, nil
}

func (r *microserviceRepository) FindAllByType(ctx context.Context, kind string, pageNum, perPage int) ([]*models.Microservice, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var rows []*microserviceRow

	for _, row := range r.p.microservices {
		if row.microservice.Type == kind {
			rows = append(rows, row)
		}
	}

	rows = page(rows, func(a, b *microserviceRow) bool {
		return a.microservice.ID < b.microservice.ID
	}, pageNum, perPage)

	out := make([]*models.Microservice, len(rows))
	for i, row := range rows {
		copied := *row.microservice
		out[i] = &copied
	}

	return out, nil
}
