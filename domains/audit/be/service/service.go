// Package service exposes the audit trail to handlers and the CLI, applying
// validation and translating classified storage failures into domain errors.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tesseradata/tessera/domains/audit/be/repo"
	"github.com/tesseradata/tessera/platform/go/persistence"
)

// Domain sentinel errors.
var (
	// ErrUnavailable indicates the audit store could not be reached; callers
	// may retry with backoff.
	ErrUnavailable = errors.New("audit store unavailable")
	// ErrInvalidInput indicates the request parameters were rejected.
	ErrInvalidInput = errors.New("invalid audit query")
)

// Entry is the domain view of an audit record.
type Entry struct {
	ID          uuid.UUID
	Tenants     []string
	Actor       string
	Action      string
	Entity      string
	EntityID    string
	Before      json.RawMessage
	After       json.RawMessage
	CommittedAt time.Time
}

// ListOptions controls filtering and pagination.
type ListOptions struct {
	Entity   *string
	Actor    *string
	Page     int
	PageSize int
}

// ListResult wraps a page of entries with pagination metadata.
type ListResult struct {
	Entries    []Entry
	Page       int
	PageSize   int
	TotalItems int64
	TotalPages int64
}

// Repository is the persistence dependency of the service.
type Repository interface {
	List(ctx context.Context, params repo.ListParams) (repo.ListResult, error)
	PurgeBefore(ctx context.Context, cutoff time.Time, actor string) (persistence.Outcome, error)
}

type service struct {
	repo Repository
}

// New builds the audit service.
func New(r Repository) *service {
	return &service{repo: r}
}

// List returns a page of audit entries, newest first.
func (s *service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.PageSize > 100 {
		opts.PageSize = 100
	}

	result, err := s.repo.List(ctx, repo.ListParams{
		Entity:   opts.Entity,
		Actor:    opts.Actor,
		Page:     opts.Page,
		PageSize: opts.PageSize,
	})
	if err != nil {
		return ListResult{}, translate(err)
	}

	entries := make([]Entry, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, Entry{
			ID:          e.AuditID,
			Tenants:     e.Tenants,
			Actor:       e.Actor,
			Action:      e.Action,
			Entity:      e.Entity,
			EntityID:    e.EntityID,
			Before:      e.Before,
			After:       e.After,
			CommittedAt: e.CommittedAt,
		})
	}

	totalPages := result.TotalItems / int64(result.PageSize)
	if result.TotalItems%int64(result.PageSize) != 0 {
		totalPages++
	}

	return ListResult{
		Entries:    entries,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: totalPages,
	}, nil
}

// Purge removes entries older than the retention cutoff.
func (s *service) Purge(ctx context.Context, cutoff time.Time, actor string) (persistence.Outcome, error) {
	if cutoff.IsZero() || cutoff.After(time.Now()) {
		return persistence.Outcome{}, ErrInvalidInput
	}
	if strings.TrimSpace(actor) == "" {
		return persistence.Outcome{}, ErrInvalidInput
	}

	outcome, err := s.repo.PurgeBefore(ctx, cutoff, strings.TrimSpace(actor))
	if err != nil {
		return persistence.Outcome{}, translate(err)
	}
	return outcome, nil
}

func translate(err error) error {
	if persistence.IsKind(err, persistence.KindConnectivityFailure) ||
		persistence.IsKind(err, persistence.KindTimeout) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
