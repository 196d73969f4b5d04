//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"issuance/internal/core/lock"
	"issuance/internal/domain/reference"
	"issuance/internal/infrastructure/numerator"
	"issuance/internal/infrastructure/storage/postgres"
)

// startPostgres runs a throwaway PostgreSQL with the schema applied.
func startPostgres(t *testing.T) *postgres.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "issuance",
				"POSTGRES_PASSWORD": "issuance",
				"POSTGRES_DB":       "issuance",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://issuance:issuance@%s:%s/issuance?sslmode=disable", host, port.Port())

	require.NoError(t, postgres.Migrate(ctx, dsn))

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestConcurrentAllocationIsGapFreeAndUnique(t *testing.T) {
	pool := startPostgres(t)
	txm := postgres.NewTxManager(pool)
	locks := postgres.NewLockManager(txm)
	allocator := reference.NewAllocator(locks, numerator.New(txm, locks))

	const workers = 20
	var (
		mu   sync.Mutex
		refs = make(map[string]int)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return txm.RunInTransaction(ctx, func(ctx context.Context) error {
				ref, err := allocator.Allocate(ctx, reference.ImportCase)
				if err != nil {
					return err
				}
				mu.Lock()
				refs[ref]++
				mu.Unlock()
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, refs, workers)
	year := time.Now().Year()
	for n := 1; n <= workers; n++ {
		assert.Equal(t, 1, refs[fmt.Sprintf("IMA/%d/%05d", year, n)], "reference %d", n)
	}
}

func TestRolledBackAllocationIsReleased(t *testing.T) {
	pool := startPostgres(t)
	txm := postgres.NewTxManager(pool)
	locks := postgres.NewLockManager(txm)
	allocator := reference.NewAllocator(locks, numerator.New(txm, locks))
	ctx := context.Background()

	var first int64
	require.NoError(t, txm.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		first, err = allocator.AllocateLicenceNumber(ctx)
		return err
	}))

	boom := fmt.Errorf("boom")
	err := txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := allocator.AllocateLicenceNumber(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var next int64
	require.NoError(t, txm.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		next, err = allocator.AllocateLicenceNumber(ctx)
		return err
	}))
	// The rolled-back increment is undone with its transaction.
	assert.Equal(t, first+1, next)
}

func TestSecondLockInTransactionIsRejected(t *testing.T) {
	pool := startPostgres(t)
	txm := postgres.NewTxManager(pool)
	locks := postgres.NewLockManager(txm)

	err := txm.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, locks.Lock(ctx, "ref_sequences"))
		return locks.Lock(ctx, "ref_sequences")
	})
	require.ErrorIs(t, err, lock.ErrAlreadyLocked)
}
