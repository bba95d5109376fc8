package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"weathercompute/internal/catalog"
	"weathercompute/internal/observability"
	"weathercompute/internal/service/streamline"
	"weathercompute/internal/service/vector"
	"weathercompute/internal/service/volume"
	"weathercompute/pkg/audit"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/config"
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
func (a *pgxMockAdapter) Close()                         { a.mock.Close() }
func (a *pgxMockAdapter) Ping(ctx context.Context) error { return a.mock.Ping(ctx) }

func newFileCacheBytes(t *testing.T) *cache.CacheBytes {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return cache.NewFileCacheBytes(store, cache.Config{
		FreshTTL: time.Minute, StaleTTL: time.Hour, LockTTL: time.Second,
		WaitTimeout: time.Second, PollInterval: 5 * time.Millisecond,
		CooldownMin: time.Millisecond, CooldownMax: 2 * time.Millisecond,
	})
}

// testRouter assembles a full router over fixture-backed vector, streamline,
// and volume services, the same way cmd/weathercompute-svc wires them, minus
// a real Postgres connection (the resolver runs against pgxmock).
func testRouter(t *testing.T) (http.Handler, *catalog.AssetResolver) {
	t.Helper()

	windPath := filepath.Join(t.TempDir(), "wind.bin")
	require.NoError(t, dataset.EncodeFilestore(windPath,
		[]string{"2026-01-01T00:00:00Z"}, []float64{0},
		[]float64{0, 1}, []float64{0, 1},
		[]dataset.VariableData{
			{Variable: dataset.Variable{Name: "u", Shape: []int{1, 1, 2, 2}}, Values: []float64{0, 0, 0, 0}},
			{Variable: dataset.Variable{Name: "v", Shape: []int{1, 1, 2, 2}}, Values: []float64{1, 1, 1, 1}},
		},
	))

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.ExpectQuery(`SELECT a.path`).WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow(windPath))
	mock.ExpectQuery(`SELECT a.path`).WillReturnRows(pgxmock.NewRows([]string{"path"}).AddRow(windPath))

	resolver := catalog.NewAssetResolver(&pgxMockAdapter{mock: mock}, catalog.DataRoots{
		model.DataRootECMWF: filepath.Dir(windPath),
	})

	vectorSvc := vector.New(resolver, dataset.Source{}, newFileCacheBytes(t), 10000, nil)
	streamlineSvc := streamline.New(resolver, dataset.Source{}, newFileCacheBytes(t), 1000, nil)

	volumeLayerRoot := t.TempDir()
	timeDir := filepath.Join(volumeLayerRoot, "20260101T000000Z")
	require.NoError(t, dataset.EncodeFilestore(filepath.Join(timeDir, "850.nc"),
		[]string{"2026-01-01T00:00:00Z"}, []float64{0},
		[]float64{0, 1}, []float64{0, 1},
		[]dataset.VariableData{
			{Variable: dataset.Variable{Name: "cloud_density", Shape: []int{1, 1, 2, 2}}, Values: []float64{1, 2, 3, 4}},
		},
	))
	volumeSvc := volume.New(volumeLayerRoot, dataset.Source{}, newFileCacheBytes(t), 64*1024*1024, 64*1024*1024, nil)

	hooks := observability.New(&audit.NoopLogger{})

	router := NewRouter(Deps{
		Vector:        vectorSvc,
		Streamline:    streamlineSvc,
		Volume:        volumeSvc,
		Observability: hooks,
		RateLimiter:   nil,
		Editor:        config.EditorConfig{CapabilityHeader: "X-Editor-Capability", CapabilityToken: "secret"},
		VolumeLimits:  config.VolumeConfig{MaxBBoxAreaDeg2: 10000, MinResMeters: 1, MaxOutputBytes: 64 * 1024 * 1024},
		DB:            nil,
		CacheReady:    func() error { return nil },
	})
	return router, resolver
}

func TestRouter_VectorHandler_HappyPath(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z?stride=1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Header().Get("ETag"))

	var resp vector.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, []float64{0, 0, 0, 0}, []float64(resp.U))
}

func TestRouter_VectorHandler_BadBBoxReturns400(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z?bbox=not-a-bbox", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "INVALID_REQUEST", body.ErrorCode)
	require.NotEmpty(t, body.TraceID)
}

func TestRouter_VectorHandler_UnknownSourceReturns400(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/vector/bogus/20260101T000000Z/wind/sfc/20260101T000000Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_StreamlineHandler_HappyPath(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z/streamlines?bbox=0,0,1,1&max_steps=2", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp streamline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Streamlines)
}

func TestRouter_Prewarm_MissingEditorHeaderReturns403(t *testing.T) {
	router, _ := testRouter(t)

	body, err := json.Marshal(prewarmRequestBody{Bboxes: []string{"0,0,1,1"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z/prewarm", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouter_Prewarm_WrongEditorHeaderReturns403(t *testing.T) {
	router, _ := testRouter(t)

	body, err := json.Marshal(prewarmRequestBody{Bboxes: []string{"0,0,1,1"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z/prewarm", bytes.NewReader(body))
	req.Header.Set("X-Editor-Capability", "wrong")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRouter_Prewarm_EmptyBBoxesReturns400(t *testing.T) {
	router, _ := testRouter(t)

	body, err := json.Marshal(prewarmRequestBody{Bboxes: []string{}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z/prewarm", bytes.NewReader(body))
	req.Header.Set("X-Editor-Capability", "secret")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Prewarm_TooManyBBoxesReturns400(t *testing.T) {
	router, _ := testRouter(t)

	bboxes := make([]string, maxPrewarmBBoxes+1)
	for i := range bboxes {
		bboxes[i] = "0,0,1,1"
	}
	body, err := json.Marshal(prewarmRequestBody{Bboxes: bboxes})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z/prewarm", bytes.NewReader(body))
	req.Header.Set("X-Editor-Capability", "secret")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_VolumeHandler_HappyPath(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/volume?bbox=0,0,1,1,0,0&levels=850&res=111320", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
	require.NotEmpty(t, rr.Body.Bytes())
}

func TestRouter_VolumeStats_ReturnsTopBuckets(t *testing.T) {
	router, _ := testRouter(t)

	// Populate at least one bucket before asking for the top-K list.
	req := httptest.NewRequest(http.MethodGet, "/vector/ecmwf/20260101T000000Z/wind/sfc/20260101T000000Z?bbox=0,0,1,1&stride=1", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	statsReq := httptest.NewRequest(http.MethodGet, "/volume/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, statsReq)

	require.Equal(t, http.StatusOK, rr.Code)
	var body volumeStatsResponseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
}

func TestRouter_Healthz(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_Readyz_DBPingFailureReturns503(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.ExpectPing().WillReturnError(context.DeadlineExceeded)

	router := NewRouter(Deps{
		Vector:     vector.New(nil, dataset.Source{}, newFileCacheBytes(t), 10000, nil),
		Streamline: streamline.New(nil, dataset.Source{}, newFileCacheBytes(t), 1000, nil),
		Volume:     volume.New(t.TempDir(), dataset.Source{}, newFileCacheBytes(t), 1024, 1024, nil),
		DB:         &pgxMockAdapter{mock: mock},
		CacheReady: func() error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_Readyz_CacheUnavailableReturns503(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.ExpectPing().WillReturnError(nil)

	router := NewRouter(Deps{
		Vector:     vector.New(nil, dataset.Source{}, newFileCacheBytes(t), 10000, nil),
		Streamline: streamline.New(nil, dataset.Source{}, newFileCacheBytes(t), 1000, nil),
		Volume:     volume.New(t.TempDir(), dataset.Source{}, newFileCacheBytes(t), 1024, 1024, nil),
		DB:         &pgxMockAdapter{mock: mock},
		CacheReady: func() error { return context.DeadlineExceeded },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
