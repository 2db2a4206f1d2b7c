// Package repo gives services access to the persisted audit trail through
// the coordinated data-access surface.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/tesseradata/tessera/platform/go/persistence"
	"github.com/tesseradata/tessera/platform/go/tenant"
)

// Entry is one audit trail record as stored.
type Entry struct {
	AuditID     uuid.UUID
	Tenants     []string
	Actor       string
	Action      string
	Entity      string
	EntityID    string
	Before      json.RawMessage
	After       json.RawMessage
	CommittedAt time.Time
}

// ListParams captures filters and pagination for List.
type ListParams struct {
	Entity   *string
	Actor    *string
	Page     int
	PageSize int
}

// ListResult includes the rows and the total count for pagination metadata.
type ListResult struct {
	Entries    []Entry
	TotalItems int64
	Page       int
	PageSize   int
}

// Repository reads the audit trail from the audit tenant's database.
type Repository struct {
	coord       *persistence.Coordinator
	auditTenant tenant.ID
}

func NewRepository(coord *persistence.Coordinator, auditTenant tenant.ID) (*Repository, error) {
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if !auditTenant.Valid() {
		return nil, errors.New("audit tenant is required")
	}
	return &Repository{coord: coord, auditTenant: auditTenant}, nil
}

// List returns audit entries matching the filters, newest first.
func (r *Repository) List(ctx context.Context, params ListParams) (ListResult, error) {
	base := sq.Select(
		"audit_id",
		"array_to_string(tenants, ',') AS tenant_list",
		"actor",
		"action",
		"entity",
		"entity_id",
		"before_state::text AS before_state",
		"after_state::text AS after_state",
		"committed_at",
	).
		From(persistence.AuditLogTable).
		OrderBy("committed_at DESC")

	if params.Entity != nil && strings.TrimSpace(*params.Entity) != "" {
		base = base.Where(sq.Eq{"entity": strings.TrimSpace(*params.Entity)})
	}
	if params.Actor != nil && strings.TrimSpace(*params.Actor) != "" {
		base = base.Where(sq.Eq{"actor": strings.TrimSpace(*params.Actor)})
	}

	var result ListResult
	err := r.coord.WithinScope(ctx, r.auditTenant, func(ctx context.Context, sc *persistence.Scope) error {
		page, err := persistence.Paginate(ctx, sc, base, params.Page, params.PageSize, scanEntry)
		if err != nil {
			return fmt.Errorf("list audit entries: %w", err)
		}

		result = ListResult{
			Entries:    page.Items,
			TotalItems: page.TotalCount,
			Page:       page.Page,
			PageSize:   page.PageSize,
		}
		return nil
	})
	if err != nil {
		return ListResult{}, err
	}

	return result, nil
}

// PurgeBefore removes audit entries committed before the cutoff and reports
// the structured outcome of the write.
func (r *Repository) PurgeBefore(ctx context.Context, cutoff time.Time, actor string) (persistence.Outcome, error) {
	return r.coord.ExecuteWrite(ctx, []tenant.ID{r.auditTenant},
		func(ctx context.Context, sc *persistence.Scope) (persistence.CommitEvent, error) {
			removed, err := persistence.Exec(ctx, sc,
				`DELETE FROM `+persistence.AuditLogTable+` WHERE committed_at < $1`, cutoff)
			if err != nil {
				return persistence.CommitEvent{}, err
			}

			return persistence.CommitEvent{
				Actor:    actor,
				Action:   "audit.purge",
				Entity:   persistence.AuditLogTable,
				EntityID: fmt.Sprintf("removed=%d", removed),
			}, nil
		})
}

func scanEntry(row *persistence.Row) (Entry, error) {
	id, err := persistence.Get[uuid.UUID](row, "audit_id")
	if err != nil {
		return Entry{}, err
	}
	tenantList, err := persistence.GetDefault(row, "tenant_list", "")
	if err != nil {
		return Entry{}, err
	}
	actor, err := persistence.Get[string](row, "actor")
	if err != nil {
		return Entry{}, err
	}
	action, err := persistence.Get[string](row, "action")
	if err != nil {
		return Entry{}, err
	}
	entity, err := persistence.Get[string](row, "entity")
	if err != nil {
		return Entry{}, err
	}
	entityID, err := persistence.GetDefault(row, "entity_id", "")
	if err != nil {
		return Entry{}, err
	}
	before, err := persistence.GetDefault(row, "before_state", "")
	if err != nil {
		return Entry{}, err
	}
	after, err := persistence.GetDefault(row, "after_state", "")
	if err != nil {
		return Entry{}, err
	}
	committedAt, err := persistence.Get[time.Time](row, "committed_at")
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		AuditID:     id,
		Actor:       actor,
		Action:      action,
		Entity:      entity,
		EntityID:    entityID,
		CommittedAt: committedAt,
	}
	if before != "" {
		entry.Before = json.RawMessage(before)
	}
	if after != "" {
		entry.After = json.RawMessage(after)
	}
	if tenantList != "" {
		entry.Tenants = strings.Split(tenantList, ",")
	}
	return entry, nil
}
