package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tesseradata/tessera/platform/go/tenant"
)

// opLog records cross-branch operations so tests can assert ordering.
type opLog struct{ entries []string }

func (l *opLog) add(entry string) { l.entries = append(l.entries, entry) }

// fakeTx satisfies pgx.Tx and records the statements and lifecycle calls.
type fakeTx struct {
	name       string
	log        *opLog
	stmts      []string
	args       [][]any
	execErr    error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTx) Commit(ctx context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	if f.log != nil {
		f.log.add(f.name + ":commit")
	}
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if f.committed || f.rolledBack {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	if f.log != nil {
		f.log.add(f.name + ":rollback")
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return &pgconn.StatementDescription{}, errors.New("not implemented")
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.stmts = append(f.stmts, sql)
	f.args = append(f.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (f *fakeTx) Conn() *pgx.Conn { return nil }

// fakeConn satisfies scopeConn with a preconstructed transaction.
type fakeConn struct {
	tx       *fakeTx
	beginErr error
	released bool
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return c.tx, nil
}

func (c *fakeConn) Release() { c.released = true }

// fakeSource satisfies connSource over a fixed set of tenants.
type fakeSource struct {
	conns       map[tenant.ID]*fakeConn
	acquireErrs map[tenant.ID]error
}

func (s *fakeSource) acquire(ctx context.Context, id tenant.ID) (scopeConn, error) {
	if err := s.acquireErrs[id]; err != nil {
		return nil, err
	}
	conn, ok := s.conns[id]
	if !ok {
		return nil, newError(KindTenantNotFound, fmt.Errorf("tenant %q is not configured", id))
	}
	return conn, nil
}

func newTestCoordinator(src connSource) *Coordinator {
	return &Coordinator{conns: src, logger: zap.NewNop()}
}

func singleTenantSource(id tenant.ID) (*fakeSource, *fakeTx, *fakeConn) {
	tx := &fakeTx{name: string(id)}
	conn := &fakeConn{tx: tx}
	return &fakeSource{conns: map[tenant.ID]*fakeConn{id: conn}}, tx, conn
}

func TestBeginCommitReleasesConnection(t *testing.T) {
	src, tx, conn := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, ScopeOpen, sc.State())
	require.Equal(t, []tenant.ID{"acme"}, sc.Tenants())

	require.NoError(t, sc.Commit(context.Background()))
	require.Equal(t, ScopeCommitted, sc.State())
	require.True(t, tx.committed)
	require.True(t, conn.released)
}

func TestCommitTwiceFailsWithInvalidScopeState(t *testing.T) {
	src, _, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	require.NoError(t, sc.Commit(context.Background()))

	err = sc.Commit(context.Background())
	require.True(t, IsKind(err, KindInvalidScopeState))

	err = sc.Rollback(context.Background())
	require.True(t, IsKind(err, KindInvalidScopeState))
}

func TestRollbackDiscardsWork(t *testing.T) {
	src, tx, conn := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	require.NoError(t, sc.Rollback(context.Background()))
	require.Equal(t, ScopeRolledBack, sc.State())
	require.True(t, tx.rolledBack)
	require.False(t, tx.committed)
	require.True(t, conn.released)
}

func TestCloseIsImplicitRollbackAndIdempotent(t *testing.T) {
	src, tx, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)

	sc.Close(context.Background())
	require.Equal(t, ScopeRolledBack, sc.State())
	require.True(t, tx.rolledBack)

	// No-op once terminal.
	sc.Close(context.Background())
	require.Equal(t, ScopeRolledBack, sc.State())
}

func TestBeginMultiCommitsInOpenOrder(t *testing.T) {
	log := &opLog{}
	txA := &fakeTx{name: "a", log: log}
	txB := &fakeTx{name: "b", log: log}
	src := &fakeSource{conns: map[tenant.ID]*fakeConn{
		"a": {tx: txA},
		"b": {tx: txB},
	}}
	coord := newTestCoordinator(src)

	sc, err := coord.BeginMulti(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Equal(t, []tenant.ID{"a", "b"}, sc.Tenants())

	require.NoError(t, sc.Commit(context.Background()))
	require.Equal(t, []string{"a:commit", "b:commit"}, log.entries)
}

func TestBeginMultiRejectsDuplicates(t *testing.T) {
	src, _, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	_, err := coord.BeginMulti(context.Background(), "acme", "acme")
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate tenant")
}

func TestJointCommitPartialFailure(t *testing.T) {
	log := &opLog{}
	txA := &fakeTx{name: "a", log: log}
	txB := &fakeTx{name: "b", log: log, commitErr: errors.New("connection reset")}
	txC := &fakeTx{name: "c", log: log}
	connA := &fakeConn{tx: txA}
	connB := &fakeConn{tx: txB}
	connC := &fakeConn{tx: txC}
	src := &fakeSource{conns: map[tenant.ID]*fakeConn{"a": connA, "b": connB, "c": connC}}
	coord := newTestCoordinator(src)

	sc, err := coord.BeginMulti(context.Background(), "a", "b", "c")
	require.NoError(t, err)

	err = sc.Commit(context.Background())
	require.True(t, IsKind(err, KindPartialCommitFailure))
	require.Equal(t, ScopePartialCommit, sc.State())

	var pce *PartialCommitError
	require.ErrorAs(t, err, &pce)
	require.Equal(t, []tenant.ID{"a"}, pce.Committed)
	require.Equal(t, tenant.ID("b"), pce.Failed)

	// The committed branch stays committed; the remaining one is rolled back.
	require.True(t, txA.committed)
	require.False(t, txA.rolledBack)
	require.True(t, txC.rolledBack)
	require.True(t, connA.released)
	require.True(t, connC.released)
}

func TestJointCommitFirstBranchFailureIsNotPartial(t *testing.T) {
	txA := &fakeTx{name: "a", commitErr: errors.New("boom")}
	txB := &fakeTx{name: "b"}
	src := &fakeSource{conns: map[tenant.ID]*fakeConn{
		"a": {tx: txA},
		"b": {tx: txB},
	}}
	coord := newTestCoordinator(src)

	sc, err := coord.BeginMulti(context.Background(), "a", "b")
	require.NoError(t, err)

	err = sc.Commit(context.Background())
	require.Error(t, err)
	require.False(t, IsKind(err, KindPartialCommitFailure))
	require.Equal(t, ScopeRolledBack, sc.State())
	require.True(t, txB.rolledBack)
}

func TestBeginMultiReleasesEarlierConnectionsOnFailure(t *testing.T) {
	txA := &fakeTx{name: "a"}
	connA := &fakeConn{tx: txA}
	src := &fakeSource{
		conns:       map[tenant.ID]*fakeConn{"a": connA},
		acquireErrs: map[tenant.ID]error{"b": newError(KindConnectivityFailure, errors.New("pool exhausted"))},
	}
	coord := newTestCoordinator(src)

	_, err := coord.BeginMulti(context.Background(), "a", "b")
	require.True(t, IsKind(err, KindConnectivityFailure))
	require.True(t, txA.rolledBack)
	require.True(t, connA.released)
}

func TestSavepointSequenceAndRollbackTo(t *testing.T) {
	src, tx, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)

	sp1, err := sc.Savepoint(context.Background())
	require.NoError(t, err)
	sp2, err := sc.Savepoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tessera_sp_1", sp1.Name())
	require.Equal(t, "tessera_sp_2", sp2.Name())

	require.NoError(t, sc.RollbackTo(context.Background(), sp2))
	require.Equal(t, ScopeOpen, sc.State())
	require.NoError(t, sc.ReleaseSavepoint(context.Background(), sp1))

	require.Equal(t, []string{
		"SAVEPOINT tessera_sp_1",
		"SAVEPOINT tessera_sp_2",
		"ROLLBACK TO SAVEPOINT tessera_sp_2",
		"RELEASE SAVEPOINT tessera_sp_1",
	}, tx.stmts)
}

func TestSavepointOnTerminalScopeFails(t *testing.T) {
	src, _, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	require.NoError(t, sc.Commit(context.Background()))

	_, err = sc.Savepoint(context.Background())
	require.True(t, IsKind(err, KindInvalidScopeState))
}

func TestRollbackToForeignSavepointFails(t *testing.T) {
	src, _, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc1, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	sp, err := sc1.Savepoint(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc1.Commit(context.Background()))

	sc2, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	defer sc2.Close(context.Background())

	err = sc2.RollbackTo(context.Background(), sp)
	require.True(t, IsKind(err, KindInvalidScopeState))
}

func TestWithinScopeCommitsOnSuccess(t *testing.T) {
	src, tx, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	err := coord.WithinScope(context.Background(), "acme", func(ctx context.Context, sc *Scope) error {
		_, err := Exec(ctx, sc, "UPDATE widgets SET n = n + 1")
		return err
	})
	require.NoError(t, err)
	require.True(t, tx.committed)
	require.Contains(t, tx.stmts, "UPDATE widgets SET n = n + 1")
}

func TestWithinScopeRollsBackOnError(t *testing.T) {
	src, tx, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	boom := errors.New("boom")
	err := coord.WithinScope(context.Background(), "acme", func(ctx context.Context, sc *Scope) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, tx.rolledBack)
	require.False(t, tx.committed)
}

func TestWithinScopeRollsBackOnPanic(t *testing.T) {
	src, tx, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	require.Panics(t, func() {
		_ = coord.WithinScope(context.Background(), "acme", func(ctx context.Context, sc *Scope) error {
			panic("defect in calling code")
		})
	})
	require.True(t, tx.rolledBack)
	require.False(t, tx.committed)
}

func TestExecuteWriteMapsBusinessErrorToOutcome(t *testing.T) {
	src, tx, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	outcome, err := coord.ExecuteWrite(context.Background(), []tenant.ID{"acme"},
		func(ctx context.Context, sc *Scope) (CommitEvent, error) {
			return CommitEvent{}, &pgconn.PgError{Code: "23505", ConstraintName: "widgets_name_key"}
		})
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, KindUniqueViolation, outcome.Code)
	require.False(t, outcome.Retryable())
	require.True(t, tx.rolledBack)
}

func TestExecuteWriteReturnsProgrammingErrors(t *testing.T) {
	src, _, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	defect := newError(KindMissingValue, errors.New("column \"x\" is absent or null"))
	_, err := coord.ExecuteWrite(context.Background(), []tenant.ID{"acme"},
		func(ctx context.Context, sc *Scope) (CommitEvent, error) {
			return CommitEvent{}, defect
		})
	require.True(t, IsKind(err, KindMissingValue))
}

func TestExecuteWriteFiresHooksOnSuccess(t *testing.T) {
	src, _, _ := singleTenantSource("acme")

	rec := &recordingHook{name: "rec"}
	pipeline := NewHookPipeline(zap.NewNop(), 0, rec)
	coord := newTestCoordinator(src)
	coord.hooks = pipeline

	outcome, err := coord.ExecuteWrite(context.Background(), []tenant.ID{"acme"},
		func(ctx context.Context, sc *Scope) (CommitEvent, error) {
			return CommitEvent{Actor: "tests", Action: "widget.create", Entity: "widgets"}, nil
		})
	require.NoError(t, err)
	require.True(t, outcome.Succeeded)

	pipeline.Drain()
	require.Len(t, rec.events, 1)
	require.Equal(t, "widget.create", rec.events[0].Action)
	require.Equal(t, []tenant.ID{"acme"}, rec.events[0].Tenants)
	require.NotZero(t, rec.events[0].ScopeID)
	require.False(t, rec.events[0].CommittedAt.IsZero())
}

func TestExecuteWriteUnknownTenant(t *testing.T) {
	src := &fakeSource{conns: map[tenant.ID]*fakeConn{}}
	coord := newTestCoordinator(src)

	outcome, err := coord.ExecuteWrite(context.Background(), []tenant.ID{"ghost"},
		func(ctx context.Context, sc *Scope) (CommitEvent, error) {
			return CommitEvent{}, nil
		})
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, KindTenantNotFound, outcome.Code)
}

func TestQueryOnTerminalScopeFails(t *testing.T) {
	src, _, _ := singleTenantSource("acme")
	coord := newTestCoordinator(src)

	sc, err := coord.Begin(context.Background(), "acme")
	require.NoError(t, err)
	require.NoError(t, sc.Commit(context.Background()))

	_, err = Exec(context.Background(), sc, "DELETE FROM widgets")
	require.True(t, IsKind(err, KindInvalidScopeState))
}

func TestScopeOnSelectsBranch(t *testing.T) {
	txA := &fakeTx{name: "a"}
	txB := &fakeTx{name: "b"}
	src := &fakeSource{conns: map[tenant.ID]*fakeConn{
		"a": {tx: txA},
		"b": {tx: txB},
	}}
	coord := newTestCoordinator(src)

	sc, err := coord.BeginMulti(context.Background(), "a", "b")
	require.NoError(t, err)
	defer sc.Close(context.Background())

	branch, err := sc.On("b")
	require.NoError(t, err)
	require.Equal(t, tenant.ID("b"), branch.Tenant())

	_, err = Exec(context.Background(), branch, "UPDATE widgets SET n = 1")
	require.NoError(t, err)
	require.Contains(t, txB.stmts, "UPDATE widgets SET n = 1")
	require.Empty(t, txA.stmts)

	_, err = sc.On("ghost")
	require.True(t, IsKind(err, KindTenantNotFound))
}
