package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weathercompute/pkg/apperror"
	"weathercompute/pkg/model"
)

type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() {
	a.mock.Close()
}

func (a *pgxMockAdapter) Ping(ctx context.Context) error {
	return a.mock.Ping(ctx)
}

func setupMockResolver(t *testing.T, roots DataRoots) (pgxmock.PgxPoolIface, *AssetResolver) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	adapter := &pgxMockAdapter{mock: mock}
	resolver := NewAssetResolver(adapter, roots)
	return mock, resolver
}

func TestAssetResolver_Resolve_Success(t *testing.T) {
	dataDir := t.TempDir()
	assetPath := filepath.Join(dataDir, "u10.bin")
	require.NoError(t, os.WriteFile(assetPath, []byte("data"), 0o644))

	mock, resolver := setupMockResolver(t, DataRoots{model.DataRootECMWF: dataDir})
	defer mock.Close()

	runTime := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	validTime := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"path"}).AddRow(assetPath)
	mock.ExpectQuery(`SELECT a.path`).
		WithArgs(runTime, validTime, "u10", "sfc").
		WillReturnRows(rows)

	ref, err := resolver.Resolve(context.Background(), model.DataRootECMWF, runTime, validTime, "u10", "sfc")

	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(assetPath)
	assert.Equal(t, resolved, ref.Path)
	assert.Equal(t, model.DataRootECMWF, ref.Root)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetResolver_Resolve_NotFound(t *testing.T) {
	dataDir := t.TempDir()
	mock, resolver := setupMockResolver(t, DataRoots{model.DataRootECMWF: dataDir})
	defer mock.Close()

	runTime := time.Now()
	validTime := time.Now()

	mock.ExpectQuery(`SELECT a.path`).
		WithArgs(runTime, validTime, "u10", "sfc").
		WillReturnError(pgx.ErrNoRows)

	_, err := resolver.Resolve(context.Background(), model.DataRootECMWF, runTime, validTime, "u10", "sfc")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrAssetNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetResolver_Resolve_DatabaseError(t *testing.T) {
	dataDir := t.TempDir()
	mock, resolver := setupMockResolver(t, DataRoots{model.DataRootECMWF: dataDir})
	defer mock.Close()

	runTime := time.Now()
	validTime := time.Now()

	mock.ExpectQuery(`SELECT a.path`).
		WithArgs(runTime, validTime, "u10", "sfc").
		WillReturnError(errors.New("connection reset"))

	_, err := resolver.Resolve(context.Background(), model.DataRootECMWF, runTime, validTime, "u10", "sfc")

	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.CodeUpstreamUnavailable, appErr.Code)
}

func TestAssetResolver_Resolve_PathEscape(t *testing.T) {
	dataDir := t.TempDir()
	outside := t.TempDir()
	escapePath := filepath.Join(outside, "secret.bin")
	require.NoError(t, os.WriteFile(escapePath, []byte("nope"), 0o644))

	mock, resolver := setupMockResolver(t, DataRoots{model.DataRootECMWF: dataDir})
	defer mock.Close()

	runTime := time.Now()
	validTime := time.Now()

	rows := pgxmock.NewRows([]string{"path"}).AddRow(escapePath)
	mock.ExpectQuery(`SELECT a.path`).
		WithArgs(runTime, validTime, "u10", "sfc").
		WillReturnRows(rows)

	_, err := resolver.Resolve(context.Background(), model.DataRootECMWF, runTime, validTime, "u10", "sfc")

	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.CodeInvalidRequest, appErr.Code)
}

func TestAssetResolver_Resolve_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	dataDir := t.TempDir()
	mock, resolver := setupMockResolver(t, DataRoots{model.DataRootECMWF: dataDir})
	defer mock.Close()

	runTime := time.Now()
	validTime := time.Now()

	for i := 0; i < 5; i++ {
		mock.ExpectQuery(`SELECT a.path`).
			WithArgs(runTime, validTime, "u10", "sfc").
			WillReturnError(errors.New("connection reset"))
	}

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = resolver.Resolve(context.Background(), model.DataRootECMWF, runTime, validTime, "u10", "sfc")
	}
	require.Error(t, lastErr)

	// The breaker should now be open; this call must not hit the mock DB,
	// so no further expectation is queued.
	_, err := resolver.Resolve(context.Background(), model.DataRootECMWF, runTime, validTime, "u10", "sfc")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrCircuitOpen)
}
