package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tesseradata/tessera/platform/go/tenant"
)

// scopeConn is the slice of pgxpool.Conn behaviour a scope needs, kept as an
// interface so scope logic is testable without a live pool.
type scopeConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// connSource supplies per-tenant connections; implemented by *Router.
type connSource interface {
	acquire(ctx context.Context, id tenant.ID) (scopeConn, error)
}

// ScopeState tracks the lifecycle of a transaction scope. A scope makes
// exactly one transition out of Open.
type ScopeState int32

const (
	ScopeOpen ScopeState = iota
	ScopeCommitted
	ScopeRolledBack
	// ScopePartialCommit marks a joint scope where an earlier branch
	// committed but a later one failed. Terminal, requires reconciliation.
	ScopePartialCommit
)

func (s ScopeState) String() string {
	switch s {
	case ScopeOpen:
		return "open"
	case ScopeCommitted:
		return "committed"
	case ScopeRolledBack:
		return "rolled_back"
	case ScopePartialCommit:
		return "partial_commit"
	default:
		return "unknown"
	}
}

// PartialCommitError reports a joint commit that succeeded on some branches
// and failed on a later one. The committed branches are durable; the caller
// must treat the operation as requiring manual reconciliation, not retry.
type PartialCommitError struct {
	ScopeID   uuid.UUID
	Committed []tenant.ID
	Failed    tenant.ID
	Cause     error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit in scope %s: committed %v, failed on %q: %v",
		e.ScopeID, e.Committed, e.Failed, e.Cause)
}

func (e *PartialCommitError) Unwrap() error { return e.Cause }

// Branch is one tenant's connection and transaction inside a scope. For
// single-tenant scopes the scope itself proxies its only branch; joint-scope
// callers pick a branch with Scope.On.
type Branch struct {
	tenant tenant.ID
	conn   scopeConn
	tx     pgx.Tx
	scope  *Scope
}

// Tenant returns the tenant this branch writes to.
func (b *Branch) Tenant() tenant.ID { return b.tenant }

func (b *Branch) guard() error {
	if b.scope.state != ScopeOpen {
		return newError(KindInvalidScopeState,
			fmt.Errorf("scope %s is %s", b.scope.id, b.scope.state))
	}
	return nil
}

func (b *Branch) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	return b.tx.Query(ctx, sql, args...)
}

func (b *Branch) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := b.guard(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return b.tx.Exec(ctx, sql, args...)
}

func (b *Branch) sendBatch(ctx context.Context, batch *pgx.Batch) (pgx.BatchResults, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	return b.tx.SendBatch(ctx, batch), nil
}

// Scope owns the connections opened for a single logical operation. It is
// used by exactly one caller, is not safe for concurrent use, and is never
// reused after reaching a terminal state.
type Scope struct {
	id       uuid.UUID
	state    ScopeState
	branches []*Branch
	spSeq    int
	logger   *zap.Logger
}

// ID returns the scope's identifier, carried into audit records.
func (s *Scope) ID() uuid.UUID { return s.id }

// State returns the scope's lifecycle state.
func (s *Scope) State() ScopeState { return s.state }

// Tenants returns the participating tenants in open order.
func (s *Scope) Tenants() []tenant.ID {
	ids := make([]tenant.ID, len(s.branches))
	for i, b := range s.branches {
		ids[i] = b.tenant
	}
	return ids
}

// On returns the branch bound to the given tenant of a joint scope.
func (s *Scope) On(id tenant.ID) (*Branch, error) {
	for _, b := range s.branches {
		if b.tenant == id {
			return b, nil
		}
	}
	return nil, newError(KindTenantNotFound, fmt.Errorf("tenant %q is not part of scope %s", id, s.id))
}

func (s *Scope) primary() *Branch { return s.branches[0] }

// Query proxies the primary branch so single-tenant scopes satisfy Querier.
func (s *Scope) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.primary().Query(ctx, sql, args...)
}

// Exec proxies the primary branch so single-tenant scopes satisfy Querier.
func (s *Scope) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.primary().Exec(ctx, sql, args...)
}

func (s *Scope) sendBatch(ctx context.Context, batch *pgx.Batch) (pgx.BatchResults, error) {
	return s.primary().sendBatch(ctx, batch)
}

// Savepoint is a sequence-numbered rollback point within an open scope.
type Savepoint struct {
	scope *Scope
	seq   int
	name  string
}

// Name returns the engine-level savepoint identifier.
func (sp *Savepoint) Name() string { return sp.name }

// Savepoint registers a named rollback point on every branch of the scope.
func (s *Scope) Savepoint(ctx context.Context) (*Savepoint, error) {
	if s.state != ScopeOpen {
		return nil, newError(KindInvalidScopeState, fmt.Errorf("scope %s is %s", s.id, s.state))
	}

	s.spSeq++
	sp := &Savepoint{scope: s, seq: s.spSeq, name: fmt.Sprintf("tessera_sp_%d", s.spSeq)}

	for _, b := range s.branches {
		if _, err := b.tx.Exec(ctx, "SAVEPOINT "+sp.name); err != nil {
			return nil, Classify(err)
		}
	}
	return sp, nil
}

// RollbackTo reverts work performed after the savepoint on every branch.
// Earlier work in the scope is preserved and the scope stays open.
func (s *Scope) RollbackTo(ctx context.Context, sp *Savepoint) error {
	if sp == nil || sp.scope != s {
		return newError(KindInvalidScopeState, fmt.Errorf("savepoint does not belong to scope %s", s.id))
	}
	if s.state != ScopeOpen {
		return newError(KindInvalidScopeState, fmt.Errorf("scope %s is %s", s.id, s.state))
	}

	for _, b := range s.branches {
		if _, err := b.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
			return Classify(err)
		}
	}
	return nil
}

// ReleaseSavepoint discards the savepoint once its window of work succeeded.
func (s *Scope) ReleaseSavepoint(ctx context.Context, sp *Savepoint) error {
	if sp == nil || sp.scope != s {
		return newError(KindInvalidScopeState, fmt.Errorf("savepoint does not belong to scope %s", s.id))
	}
	if s.state != ScopeOpen {
		return newError(KindInvalidScopeState, fmt.Errorf("scope %s is %s", s.id, s.state))
	}

	for _, b := range s.branches {
		if _, err := b.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp.name); err != nil {
			return Classify(err)
		}
	}
	return nil
}

// Commit commits every branch in the order the connections were opened.
// Joint scopes are a best-effort joint commit, not two-phase: when a later
// branch's commit fails after an earlier one succeeded, the remaining open
// branches are rolled back and a PartialCommitFailure is surfaced. The
// already-committed branches stay durable.
func (s *Scope) Commit(ctx context.Context) error {
	if s.state != ScopeOpen {
		return newError(KindInvalidScopeState, fmt.Errorf("commit: scope %s is %s", s.id, s.state))
	}

	var committed []tenant.ID
	for i, b := range s.branches {
		if err := b.tx.Commit(ctx); err != nil {
			for _, rest := range s.branches[i+1:] {
				if rbErr := rest.tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
					s.logger.Error("rollback after failed joint commit",
						zap.String("scope_id", s.id.String()),
						zap.String("tenant", rest.tenant.String()),
						zap.Error(rbErr))
				}
			}
			s.release()

			if len(committed) == 0 {
				s.state = ScopeRolledBack
				return Classify(fmt.Errorf("commit scope %s: %w", s.id, err))
			}

			s.state = ScopePartialCommit
			pce := &PartialCommitError{ScopeID: s.id, Committed: committed, Failed: b.tenant, Cause: err}
			s.logger.Error("partial commit, manual reconciliation required",
				zap.String("scope_id", s.id.String()),
				zap.Error(pce))
			return newError(KindPartialCommitFailure, pce)
		}
		committed = append(committed, b.tenant)
	}

	s.state = ScopeCommitted
	s.release()
	return nil
}

// Rollback discards every branch's work. Terminal; rolling back an already
// terminal scope is a programming error.
func (s *Scope) Rollback(ctx context.Context) error {
	if s.state != ScopeOpen {
		return newError(KindInvalidScopeState, fmt.Errorf("rollback: scope %s is %s", s.id, s.state))
	}

	var result *multierror.Error
	for _, b := range s.branches {
		if err := b.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			result = multierror.Append(result, fmt.Errorf("rollback tenant %q: %w", b.tenant, err))
		}
	}

	s.state = ScopeRolledBack
	s.release()
	return result.ErrorOrNil()
}

// Close rolls the scope back when it is still open and is a no-op once the
// scope is terminal, making it safe to defer right after Begin.
func (s *Scope) Close(ctx context.Context) {
	if s.state != ScopeOpen {
		return
	}
	if err := s.Rollback(ctx); err != nil {
		s.logger.Error("implicit rollback", zap.String("scope_id", s.id.String()), zap.Error(err))
	}
}

func (s *Scope) release() {
	for _, b := range s.branches {
		if b.conn != nil {
			b.conn.Release()
			b.conn = nil
		}
	}
}

// Coordinator opens transaction scopes against tenant databases resolved
// through the router and fires the post-commit pipeline on successful writes.
type Coordinator struct {
	conns  connSource
	logger *zap.Logger
	hooks  *HookPipeline
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Router *Router
	Logger *zap.Logger
	// Hooks is optional; when nil no post-commit side effects run.
	Hooks *HookPipeline
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Router == nil {
		panic("Coordinator requires router")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{conns: cfg.Router, logger: logger, hooks: cfg.Hooks}
}

// Begin opens a scope holding one connection and transaction against the
// tenant's database.
func (c *Coordinator) Begin(ctx context.Context, id tenant.ID) (*Scope, error) {
	return c.BeginMulti(ctx, id)
}

// BeginMulti opens one connection and transaction per tenant, bound under a
// single scope handle committed in open order. Joint scopes hold every
// connection for their whole lifetime; keep them short to avoid starving the
// per-tenant pools.
func (c *Coordinator) BeginMulti(ctx context.Context, ids ...tenant.ID) (*Scope, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one tenant is required")
	}
	seen := make(map[tenant.ID]struct{}, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			return nil, newError(KindTenantNotFound, fmt.Errorf("empty tenant identifier"))
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate tenant %q in scope", id)
		}
		seen[id] = struct{}{}
	}

	scope := &Scope{id: uuid.New(), state: ScopeOpen, logger: c.logger}

	abort := func() {
		for _, b := range scope.branches {
			if b.tx != nil {
				_ = b.tx.Rollback(ctx)
			}
			if b.conn != nil {
				b.conn.Release()
			}
		}
	}

	for _, id := range ids {
		conn, err := c.conns.acquire(ctx, id)
		if err != nil {
			abort()
			return nil, err
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			conn.Release()
			abort()
			return nil, Classify(fmt.Errorf("begin tx for tenant %q: %w", id, err))
		}

		scope.branches = append(scope.branches, &Branch{tenant: id, conn: conn, tx: tx, scope: scope})
	}

	return scope, nil
}

// WithinScope runs fn inside a scope for the tenant: commit on nil, implicit
// rollback when fn errors or panics. Post-commit hooks are not involved;
// this is the plumbing surface for reads and internal writes.
func (c *Coordinator) WithinScope(ctx context.Context, id tenant.ID, fn func(ctx context.Context, sc *Scope) error) error {
	sc, err := c.Begin(ctx, id)
	if err != nil {
		return err
	}
	defer sc.Close(ctx)

	if err := fn(ctx, sc); err != nil {
		return err
	}

	return sc.Commit(ctx)
}

// ExecuteWrite runs fn inside a (possibly joint) scope and maps the result
// into an Outcome: business and infrastructure failures populate a failed
// Outcome, while programming errors are returned as Go errors and abort the
// request loudly. On success the post-commit pipeline fires with fn's event.
func (c *Coordinator) ExecuteWrite(ctx context.Context, ids []tenant.ID, fn func(ctx context.Context, sc *Scope) (CommitEvent, error)) (Outcome, error) {
	sc, err := c.BeginMulti(ctx, ids...)
	if err != nil {
		return c.outcomeOrError(err)
	}
	defer sc.Close(ctx)

	ev, err := fn(ctx, sc)
	if err != nil {
		return c.outcomeOrError(err)
	}

	if err := sc.Commit(ctx); err != nil {
		return c.outcomeOrError(err)
	}

	ev.ScopeID = sc.ID()
	ev.Tenants = sc.Tenants()
	if ev.CommittedAt.IsZero() {
		ev.CommittedAt = time.Now().UTC()
	}

	if c.hooks != nil {
		c.hooks.Fire(ev)
	}

	return Success(&ev), nil
}

func (c *Coordinator) outcomeOrError(err error) (Outcome, error) {
	ce := Classify(err)
	if ce.Programming() {
		c.logger.Error("programming error in write operation", zap.Error(err))
		return Outcome{}, err
	}
	if !ce.Retryable && ce.Kind == KindUnknown {
		c.logger.Error("unclassified storage error", zap.Error(err))
	}
	return FromError(err), nil
}
