package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tesseradata/tessera/platform/go/tenant"
)

// CommitEvent describes a committed write for post-commit side effects.
// ScopeID, Tenants and CommittedAt are filled in by the coordinator.
type CommitEvent struct {
	ScopeID     uuid.UUID       `json:"scopeId"`
	Tenants     []tenant.ID     `json:"tenants"`
	Actor       string          `json:"actor"`
	Action      string          `json:"action"`
	Entity      string          `json:"entity"`
	EntityID    string          `json:"entityId,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	CommittedAt time.Time       `json:"committedAt"`
}

// Hook is a best-effort side effect run after a successful commit, outside
// the transaction boundary. Hooks must tolerate at-most-once-possibly-zero
// execution: a crash between commit and hook run loses the call, with no
// replay in this design.
type Hook interface {
	Name() string
	AfterCommit(ctx context.Context, ev CommitEvent) error
}

// HookPipeline runs registered hooks in order on a detached goroutine per
// commit. A hook's own failure is caught and logged and never alters the
// operation's already-returned outcome.
type HookPipeline struct {
	hooks   []Hook
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// DefaultHookTimeout bounds one pipeline run when no timeout is configured.
const DefaultHookTimeout = 10 * time.Second

func NewHookPipeline(logger *zap.Logger, timeout time.Duration, hooks ...Hook) *HookPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &HookPipeline{hooks: hooks, logger: logger, timeout: timeout}
}

// Fire schedules the pipeline for the event and returns immediately.
func (p *HookPipeline) Fire(ev CommitEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ev)
	}()
}

func (p *HookPipeline) run(ev CommitEvent) {
	// The triggering request's context is already done with the operation;
	// hooks get their own bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for _, h := range p.hooks {
		if err := p.runHook(ctx, h, ev); err != nil {
			p.logger.Error("post-commit hook failed",
				zap.String("hook", h.Name()),
				zap.String("scope_id", ev.ScopeID.String()),
				zap.String("action", ev.Action),
				zap.Error(err))
		}
	}
}

func (p *HookPipeline) runHook(ctx context.Context, h Hook, ev CommitEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return h.AfterCommit(ctx, ev)
}

// Drain waits for in-flight pipeline runs; call on shutdown.
func (p *HookPipeline) Drain() {
	p.wg.Wait()
}
