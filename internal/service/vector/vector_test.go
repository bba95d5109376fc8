package vector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"weathercompute/internal/catalog"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/dataset"
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
func (a *pgxMockAdapter) Close()                          { a.mock.Close() }
func (a *pgxMockAdapter) Ping(ctx context.Context) error  { return a.mock.Ping(ctx) }

func writeWindFixture(t *testing.T, lat, lon []float64, u, v []float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wind.bin")
	err := dataset.EncodeFilestore(path,
		[]string{"2026-01-01T00:00:00Z"},
		[]float64{0},
		lat, lon,
		[]dataset.VariableData{
			{Variable: dataset.Variable{Name: "u", Shape: []int{1, 1, len(lat), len(lon)}, Attrs: map[string]any{"long_name": "surface u"}}, Values: u},
			{Variable: dataset.Variable{Name: "v", Shape: []int{1, 1, len(lat), len(lon)}, Attrs: map[string]any{"long_name": "surface v"}}, Values: v},
		},
	)
	require.NoError(t, err)
	return path
}

func newTestService(t *testing.T, assetPath string, maxPoints int) *Service {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	rows := pgxmock.NewRows([]string{"path"}).AddRow(assetPath)
	mock.ExpectQuery(`SELECT a.path`).WillReturnRows(rows)

	resolver := catalog.NewAssetResolver(&pgxMockAdapter{mock: mock}, catalog.DataRoots{
		model.DataRootECMWF: filepath.Dir(assetPath),
	})

	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cb := cache.NewFileCacheBytes(store, cache.Config{
		FreshTTL: time.Minute, StaleTTL: time.Hour, LockTTL: time.Second,
		WaitTimeout: time.Second, PollInterval: 5 * time.Millisecond,
		CooldownMin: time.Millisecond, CooldownMax: 2 * time.Millisecond,
	})

	return New(resolver, dataset.Source{}, cb, maxPoints, nil)
}

func TestWindVectorService_GlobalStride(t *testing.T) {
	path := writeWindFixture(t, []float64{0, 1}, []float64{0, 1}, []float64{0, 0, 0, 0}, []float64{1, 1, 1, 1})
	svc := newTestService(t, path, 10000)

	req := Request{Root: model.DataRootECMWF, Run: "20260101T000000Z", Level: "sfc", Time: "20260101T000000Z", Stride: 1}
	result, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(result.Body, &resp))

	require.Equal(t, []float64{0, 0, 0, 0}, []float64(resp.U))
	require.Equal(t, []float64{1, 1, 1, 1}, []float64(resp.V))
	require.Equal(t, []float64{0, 0, 1, 1}, []float64(resp.Lat))
	require.Equal(t, []float64{0, 1, 0, 1}, []float64(resp.Lon))
	require.Contains(t, result.ETag, "sha256-")
}

func TestWindVectorService_BBoxStride(t *testing.T) {
	lat := []float64{0, 1, 2}
	lon := []float64{10, 11, 12, 13}
	u := make([]float64, 0, 12)
	v := make([]float64, 0, 12)
	for _, la := range lat {
		for _, lo := range lon {
			u = append(u, la+lo)
			v = append(v, la-lo)
		}
	}
	path := writeWindFixture(t, lat, lon, u, v)
	svc := newTestService(t, path, 10000)

	bbox := model.BBox2D{West: 10, South: 0, East: 12, North: 2}
	req := Request{
		Root: model.DataRootECMWF, Run: "20260101T000000Z", Level: "sfc",
		Time: "20260101T000000Z", BBox: &bbox, Stride: 2,
	}
	result, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(result.Body, &resp))

	require.Equal(t, []float64{0, 0, 2, 2}, []float64(resp.Lat))
	require.Equal(t, []float64{10, 12, 10, 12}, []float64(resp.Lon))
	require.Equal(t, []float64{10, 12, 12, 14}, []float64(resp.U))
	require.Equal(t, []float64{-10, -12, -8, -10}, []float64(resp.V))
}

func TestWindVectorService_PointCeiling(t *testing.T) {
	n := 101
	lat := make([]float64, n)
	lon := make([]float64, n)
	for i := 0; i < n; i++ {
		lat[i] = float64(i)
		lon[i] = float64(i)
	}
	u := make([]float64, n*n)
	v := make([]float64, n*n)
	path := writeWindFixture(t, lat, lon, u, v)
	svc := newTestService(t, path, 10000)

	req := Request{Root: model.DataRootECMWF, Run: "20260101T000000Z", Level: "sfc", Time: "20260101T000000Z", Stride: 1}
	_, err := svc.Serve(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reduce bbox or increase stride")
}

func TestWindVectorService_CacheHitSkipsResolver(t *testing.T) {
	path := writeWindFixture(t, []float64{0, 1}, []float64{0, 1}, []float64{0, 0, 0, 0}, []float64{1, 1, 1, 1})

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	rows := pgxmock.NewRows([]string{"path"}).AddRow(path)
	// Exactly one query expected: the second Serve call must be satisfied
	// entirely from the fresh cache tier.
	mock.ExpectQuery(`SELECT a.path`).WillReturnRows(rows)

	resolver := catalog.NewAssetResolver(&pgxMockAdapter{mock: mock}, catalog.DataRoots{
		model.DataRootECMWF: filepath.Dir(path),
	})
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cb := cache.NewFileCacheBytes(store, cache.Config{
		FreshTTL: time.Minute, StaleTTL: time.Hour, LockTTL: time.Second,
		WaitTimeout: time.Second, PollInterval: 5 * time.Millisecond,
		CooldownMin: time.Millisecond, CooldownMax: 2 * time.Millisecond,
	})
	svc := New(resolver, dataset.Source{}, cb, 10000, nil)

	req := Request{Root: model.DataRootECMWF, Run: "20260101T000000Z", Level: "sfc", Time: "20260101T000000Z", Stride: 1}

	first, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first.Body, second.Body)
	require.Equal(t, cache.OutcomeFresh, second.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}
