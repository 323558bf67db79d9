package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// fakePool records statements and plays back canned responses.
type fakePool struct {
	execSQL  []string
	execArgs [][]any
	execTag  pgconn.CommandTag
	execErr  error

	rowSQL  []string
	rowArgs [][]any
	row     pgx.Row

	pingErr error
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowSQL = append(p.rowSQL, sql)
	p.rowArgs = append(p.rowArgs, args)
	return p.row
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) Ping(context.Context) error { return p.pingErr }

func TestEnqueueInsertsPendingRow(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewTaskRepo(pool)

	id, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:                 domain.KindEmbedding,
		RequiredCapability:   "embedding",
		FallbackCapabilities: []string{"embedding:local"},
		Priority:             2,
		Payload:              []byte("p"),
		MaxRetries:           3,
	})
	require.NoError(t, err)
	assert.Len(t, id, 26) // ULID

	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO tasks")
	args := pool.execArgs[0]
	assert.Equal(t, domain.KindEmbedding, args[1])
	assert.Equal(t, domain.TaskPending, args[2])
	assert.Equal(t, "embedding", args[3])
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	repo := postgres.NewTaskRepo(&fakePool{})
	ctx := context.Background()
	_, err := repo.Enqueue(ctx, domain.EnqueueRequest{Kind: "nope", RequiredCapability: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = repo.Enqueue(ctx, domain.EnqueueRequest{Kind: domain.KindDocGen, RequiredCapability: "x", MaxRetries: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestClaimNextUsesSkipLockedAndOrdering(t *testing.T) {
	pool := &fakePool{row: fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewTaskRepo(pool)

	_, err := repo.ClaimNext(context.Background(), []string{"observation"}, "w1", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, pool.rowSQL, 1)
	q := pool.rowSQL[0]
	assert.Contains(t, q, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, q, "ORDER BY priority DESC, created_at ASC")
	assert.Contains(t, q, "fallback_capabilities &&")
	assert.Contains(t, q, "LIMIT 1")
}

func TestPeekNextSelectsWithoutLocking(t *testing.T) {
	pool := &fakePool{row: fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewTaskRepo(pool)

	_, err := repo.PeekNext(context.Background(), []string{"observation"}, []string{"t-skip"}, time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, pool.rowSQL, 1)
	q := pool.rowSQL[0]
	assert.Contains(t, q, "SELECT")
	assert.NotContains(t, q, "UPDATE")
	assert.NotContains(t, q, "FOR UPDATE")
	assert.Contains(t, q, "ORDER BY priority DESC, created_at ASC")
	assert.Contains(t, q, "NOT (id = ANY($4))")
	assert.Equal(t, []string{"t-skip"}, pool.rowArgs[0][3])
}

func TestClaimNextEmptyCapabilitySkipsStore(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewTaskRepo(pool)
	_, err := repo.ClaimNext(context.Background(), nil, "w1", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, pool.rowSQL)
}

func TestTransitionsConflictOnZeroRows(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewTaskRepo(pool)
	ctx := context.Background()

	assert.ErrorIs(t, repo.BeginProcessing(ctx, "t1", "w1"), domain.ErrConflict)
	assert.ErrorIs(t, repo.Complete(ctx, "t1", "w1", nil), domain.ErrConflict)
	assert.ErrorIs(t, repo.Fail(ctx, "t1", "w1", "e", true, time.Now()), domain.ErrConflict)
	assert.ErrorIs(t, repo.Release(ctx, "t1", time.Now()), domain.ErrConflict)
}

func TestTransitionsOkOnOneRow(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewTaskRepo(pool)
	ctx := context.Background()

	require.NoError(t, repo.BeginProcessing(ctx, "t1", "w1"))
	require.NoError(t, repo.Complete(ctx, "t1", "w1", []byte("r")))
	require.NoError(t, repo.Fail(ctx, "t1", "w1", "e", false, time.Now()))
	require.NoError(t, repo.Cancel(ctx, "t1", "reason"))
}

func TestCancelDistinguishesMissingFromTerminal(t *testing.T) {
	// Zero rows updated and Get reports not found -> ErrNotFound.
	pool := &fakePool{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		row:     fakeRow{scan: func(...any) error { return pgx.ErrNoRows }},
	}
	repo := postgres.NewTaskRepo(pool)
	err := repo.Cancel(context.Background(), "missing", "r")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Zero rows updated but the row exists -> already terminal.
	pool = &fakePool{
		execTag: pgconn.NewCommandTag("UPDATE 0"),
		row: fakeRow{scan: func(dest ...any) error {
			now := time.Now()
			*dest[0].(*string) = "t1"
			*dest[1].(*domain.TaskKind) = domain.KindObservation
			*dest[2].(*domain.TaskStatus) = domain.TaskCompleted
			*dest[3].(*string) = "observation"
			*dest[4].(*[]string) = nil
			*dest[5].(*int) = 0
			*dest[6].(*[]byte) = nil
			*dest[7].(*[]byte) = nil
			*dest[8].(*string) = ""
			*dest[9].(*int) = 0
			*dest[10].(*int) = 3
			*dest[11].(*string) = ""
			*dest[12].(**time.Time) = nil
			*dest[13].(*time.Time) = now
			*dest[14].(**time.Time) = nil
			*dest[15].(**time.Time) = &now
			return nil
		}},
	}
	repo = postgres.NewTaskRepo(pool)
	err = repo.Cancel(context.Background(), "t1", "r")
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestSweepReturnsDeletedCount(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("DELETE 4")}
	repo := postgres.NewTaskRepo(pool)
	n, err := repo.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Contains(t, pool.execSQL[0], "completed_at <")
}

func TestPingMapsToUnavailable(t *testing.T) {
	repo := postgres.NewTaskRepo(&fakePool{pingErr: errors.New("down")})
	assert.ErrorIs(t, repo.Ping(context.Background()), domain.ErrUnavailable)
	repo = postgres.NewTaskRepo(&fakePool{})
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestMigrateAppliesAllStatements(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("CREATE")}
	require.NoError(t, postgres.Migrate(context.Background(), pool))
	assert.GreaterOrEqual(t, len(pool.execSQL), 4)
	assert.Contains(t, pool.execSQL[0], "CREATE TABLE IF NOT EXISTS tasks")
}
