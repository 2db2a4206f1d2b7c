package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tesseradata/tessera/platform/go/tenant"
)

// AuditLogTable is the audit sink relation; its DDL ships in database/.
const AuditLogTable = "audit_log"

// AuditRecord is one persisted audit trail entry.
type AuditRecord struct {
	AuditID     uuid.UUID       `db:"audit_id" json:"auditId"`
	Tenants     []string        `db:"tenants" json:"tenants"`
	Actor       string          `db:"actor" json:"actor"`
	Action      string          `db:"action" json:"action"`
	Entity      string          `db:"entity" json:"entity"`
	EntityID    string          `db:"entity_id" json:"entityId"`
	Before      json.RawMessage `db:"before_state" json:"before,omitempty"`
	After       json.RawMessage `db:"after_state" json:"after,omitempty"`
	CommittedAt time.Time       `db:"committed_at" json:"committedAt"`
}

// AuditHook persists an AuditRecord for every committed write. It opens its
// own short-lived scope against the audit tenant, so the audit write happens
// strictly outside the triggering transaction.
type AuditHook struct {
	coord       *Coordinator
	auditTenant tenant.ID
}

// NewAuditHook builds the hook. The coordinator passed here must not carry a
// pipeline containing this hook, or every audit write would audit itself.
func NewAuditHook(coord *Coordinator, auditTenant tenant.ID) (*AuditHook, error) {
	if coord == nil {
		return nil, fmt.Errorf("audit hook requires coordinator")
	}
	if !auditTenant.Valid() {
		return nil, fmt.Errorf("audit hook requires audit tenant")
	}
	return &AuditHook{coord: coord, auditTenant: auditTenant}, nil
}

func (h *AuditHook) Name() string { return "audit" }

func (h *AuditHook) AfterCommit(ctx context.Context, ev CommitEvent) error {
	rec := recordFromEvent(ev)

	return h.coord.WithinScope(ctx, h.auditTenant, func(ctx context.Context, sc *Scope) error {
		_, err := Exec(ctx, sc, `
        INSERT INTO `+AuditLogTable+` (audit_id, tenants, actor, action, entity, entity_id, before_state, after_state, committed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `,
			rec.AuditID,
			rec.Tenants,
			rec.Actor,
			rec.Action,
			rec.Entity,
			rec.EntityID,
			rec.Before,
			rec.After,
			rec.CommittedAt,
		)
		return err
	})
}

func recordFromEvent(ev CommitEvent) AuditRecord {
	tenants := make([]string, len(ev.Tenants))
	for i, id := range ev.Tenants {
		tenants[i] = id.String()
	}

	return AuditRecord{
		AuditID:     uuid.New(),
		Tenants:     tenants,
		Actor:       ev.Actor,
		Action:      ev.Action,
		Entity:      ev.Entity,
		EntityID:    ev.EntityID,
		Before:      ev.Before,
		After:       ev.After,
		CommittedAt: ev.CommittedAt,
	}
}
