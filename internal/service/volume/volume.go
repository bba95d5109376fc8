// Package volume implements VolumePackService: resolves a cloud-density
// layer's per-level grid slices under a configured data root, resamples
// each to a shared target grid via separable 1-D linear interpolation, and
// encodes the stack as a VOLP binary payload, behind CacheBytes.
package volume

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"weathercompute/internal/workerpool"
	"weathercompute/pkg/apperror"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/dataset"
	"weathercompute/pkg/grid"
	"weathercompute/pkg/model"
	"weathercompute/pkg/volp"
)

const cloudDensityVariable = "cloud_density"

// Request is a canonicalized volume-pack request.
type Request struct {
	BBox      model.BBox3D
	Levels    []string
	ResM      float64
	ValidTime string // canonical YYYYMMDDTHHMMSSZ key; empty means "latest"
}

// CanonicalFields implements model.Fingerprintable. Per spec §4.6, only
// bbox/levels/res_m/time_key feed the fingerprint.
func (r Request) CanonicalFields() map[string]any {
	return map[string]any{
		"bbox": []string{
			model.FormatNumeric(r.BBox.West),
			model.FormatNumeric(r.BBox.South),
			model.FormatNumeric(r.BBox.East),
			model.FormatNumeric(r.BBox.North),
			model.FormatNumeric(r.BBox.Bottom),
			model.FormatNumeric(r.BBox.Top),
		},
		"levels":     model.DedupPreserveOrder(r.Levels),
		"res_m":      model.FormatNumeric(r.ResM),
		"valid_time": r.ValidTime,
	}
}

func (r Request) Endpoint() string { return "volume" }

// Result is the outcome of Serve.
type Result struct {
	Body    []byte
	Outcome cache.Outcome
}

// ParseRequest validates raw query parameters per spec §4.6's request
// shape: west,south,east,north,bottom,top plus a comma-separated levels
// list, a resolution in meters, and an optional ISO8601 valid_time.
func ParseRequest(bboxRaw, levelsRaw, resRaw, validTimeRaw string, maxBBoxAreaDeg2, minResM float64) (Request, error) {
	parts := strings.Split(strings.TrimSpace(bboxRaw), ",")
	if len(parts) != 6 {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox must have six comma-separated values", "bbox")
	}
	vals := make([]float64, 6)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox values must be finite numbers", "bbox")
		}
		vals[i] = v
	}
	bbox := model.BBox3D{
		BBox2D: model.BBox2D{West: vals[0], South: vals[1], East: vals[2], North: vals[3]},
		Bottom: vals[4], Top: vals[5],
	}
	if bbox.East <= bbox.West {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox east must be > west", "bbox")
	}
	if bbox.North <= bbox.South {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox north must be > south", "bbox")
	}
	if bbox.AreaDeg2() > maxBBoxAreaDeg2 {
		return Request{}, apperror.New(apperror.CodeInvalidRequest, "bbox area exceeds maximum")
	}

	rawLevels := strings.Split(strings.TrimSpace(levelsRaw), ",")
	levels := make([]string, 0, len(rawLevels))
	for _, l := range rawLevels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		numeric, err := strconv.ParseFloat(l, 64)
		if err != nil || math.IsNaN(numeric) || math.IsInf(numeric, 0) {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "levels must be comma-separated numbers", "levels")
		}
		levels = append(levels, canonicalLevelString(numeric))
	}
	if len(levels) == 0 {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "levels must not be empty", "levels")
	}
	levels = model.DedupPreserveOrder(levels)

	resM, err := strconv.ParseFloat(strings.TrimSpace(resRaw), 64)
	if err != nil || math.IsNaN(resM) || math.IsInf(resM, 0) || resM <= 0 {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "res must be a positive number", "res")
	}
	if resM < minResM {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "res is below minimum", "res")
	}

	validTime := ""
	if strings.TrimSpace(validTimeRaw) != "" {
		key, _, err := model.ParseTimeKey(validTimeRaw)
		if err != nil {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "valid_time")
		}
		validTime = key
	}

	return Request{BBox: bbox, Levels: levels, ResM: resM, ValidTime: validTime}, nil
}

func canonicalLevelString(v float64) string {
	if math.Abs(v-math.Round(v)) < 1e-6 {
		v = math.Round(v)
	}
	return model.CanonicalLevelString(v)
}

// Service implements VolumePackService.
type Service struct {
	layerRoot         string
	source            dataset.Source
	cacheByte         *cache.CacheBytes
	maxOutputBytes    int64
	maxCacheableBytes int64
	pool              *workerpool.Pool
}

// New builds a VolumePackService rooted at layerRoot (the cloud-density
// layer directory, containing one subdirectory per valid time). pool may
// be nil, in which case compute runs inline on the calling goroutine (used
// by tests).
func New(layerRoot string, source dataset.Source, cacheByte *cache.CacheBytes, maxOutputBytes, maxCacheableBytes int64, pool *workerpool.Pool) *Service {
	return &Service{
		layerRoot: layerRoot, source: source, cacheByte: cacheByte,
		maxOutputBytes: maxOutputBytes, maxCacheableBytes: maxCacheableBytes, pool: pool,
	}
}

// Serve runs the full pipeline in spec §4.6, wrapped in CacheBytes'
// two-tier stale-while-revalidate protocol. Payloads whose estimated size
// exceeds maxCacheableBytes bypass the cache entirely.
func (s *Service) Serve(ctx context.Context, req Request) (Result, error) {
	nLat, nLon := targetGridSize(req.BBox.BBox2D, req.ResM)
	estimate := volp.EstimateOutputBytes(len(req.Levels), nLat, nLon)
	if int64(estimate) > s.maxOutputBytes {
		return Result{}, apperror.New(apperror.CodeInvalidRequest, "requested volume exceeds max size")
	}

	if s.maxCacheableBytes > 0 && int64(estimate) > s.maxCacheableBytes {
		body, err := workerpool.Submit(ctx, s.pool, func(ctx context.Context) ([]byte, error) {
			return s.compute(ctx, req)
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Body: body, Outcome: cache.OutcomeComputed}, nil
	}

	fp, err := cache.RequestFingerprint(req)
	if err != nil {
		return Result{}, apperror.Wrap(err, apperror.CodeInternal, "failed to compute request fingerprint")
	}

	body, outcome, err := s.cacheByte.GetOrCompute(ctx, "volume:"+fp, func(ctx context.Context) ([]byte, error) {
		return workerpool.Submit(ctx, s.pool, func(ctx context.Context) ([]byte, error) {
			return s.compute(ctx, req)
		})
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Body: body, Outcome: outcome}, nil
}

func (s *Service) compute(ctx context.Context, req Request) ([]byte, error) {
	_, validTime, timeDir, err := s.resolveTimeDir(req.ValidTime)
	if err != nil {
		return nil, err
	}

	targetLat, targetLon, nLat, nLon := buildTargetGrid(req.BBox.BBox2D, req.ResM)

	var lonW, lonE float64
	var boundCheckDone bool

	slices := make([][]float32, 0, len(req.Levels))
	for _, level := range req.Levels {
		path, err := resolveSlicePath(timeDir, level)
		if err != nil {
			return nil, err
		}

		ds, err := s.source.Open(path)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "failed to open dataset")
		}

		if _, ok := ds.Variable(cloudDensityVariable); !ok {
			ds.Close()
			return nil, apperror.New(apperror.CodeInternal, "slice missing cloud_density")
		}

		latAxis, err := grid.NormalizeAxis(ds.Lat())
		if err != nil {
			ds.Close()
			return nil, apperror.Wrap(err, apperror.CodeInternal, "invalid latitude axis")
		}
		lonAxis, err := grid.NormalizeAxis(ds.Lon())
		if err != nil {
			ds.Close()
			return nil, apperror.Wrap(err, apperror.CodeInternal, "invalid longitude axis")
		}

		values, err := ds.Slab(cloudDensityVariable, 0, 0)
		ds.Close()
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to read cloud_density slice")
		}

		conv := model.DetectLongitudeConvention(lonAxis.Values)
		if !boundCheckDone {
			lonW = model.NormalizeRequestLon(req.BBox.West, conv)
			lonE = model.NormalizeRequestLon(req.BBox.East, conv)
			if lonE <= lonW {
				return nil, apperror.New(apperror.CodeInvalidRequest, "bbox crosses longitude seam")
			}
			boundCheckDone = true
		}

		nLonSrc := len(lonAxis.Values)
		values = reorder(values, latAxis.Perm, lonAxis.Perm, nLonSrc)

		latLo, latHi := boundingSlice(latAxis.Values, req.BBox.South, req.BBox.North)
		lonLo, lonHi := boundingSlice(lonAxis.Values, lonW, lonE)
		if latLo >= latHi || lonLo >= lonHi {
			return nil, apperror.New(apperror.CodeNotFound, "bbox outside dataset")
		}

		latSub := latAxis.Values[latLo:latHi]
		lonSub := lonAxis.Values[lonLo:lonHi]
		valuesSub := subsetRows(values, nLonSrc, latLo, latHi, lonLo, lonHi)

		targetLonNorm := linspace(lonW, lonE, nLon)
		resampled := interp2D(latSub, lonSub, valuesSub, targetLat, targetLonNorm)
		slices = append(slices, resampled)
	}

	cube := make([]float32, 0, len(slices)*nLat*nLon)
	for _, sl := range slices {
		cube = append(cube, sl...)
	}

	hdr := volp.Header{
		BBox:      [4]float64{req.BBox.West, req.BBox.South, req.BBox.East, req.BBox.North},
		Levels:    req.Levels,
		Variable:  cloudDensityVariable,
		ValidTime: model.CanonicalTimeBody(validTime),
		ResM:      req.ResM,
		Layer:     filepath.Base(s.layerRoot),
		Shape:     [3]int{len(req.Levels), nLat, nLon},
	}

	payload, err := volp.Encode(hdr, cube)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to encode volume")
	}
	if int64(len(payload)) > s.maxOutputBytes {
		return nil, apperror.New(apperror.CodeInvalidRequest, "encoded volume exceeds max size")
	}
	return payload, nil
}

// resolveTimeDir implements spec §4.6's time-resolution rule: an exact
// directory match if valid_time is given, else the lexicographically
// maximum valid-format time directory present.
func (s *Service) resolveTimeDir(validTimeKey string) (string, time.Time, string, error) {
	if validTimeKey != "" {
		dir := filepath.Join(s.layerRoot, validTimeKey)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return "", time.Time{}, "", apperror.New(apperror.CodeNotFound, "valid_time not found")
		}
		_, t, err := model.ParseTimeKey(validTimeKey)
		if err != nil {
			return "", time.Time{}, "", apperror.New(apperror.CodeInvalidRequest, "valid_time must be an ISO8601 timestamp")
		}
		return validTimeKey, t, dir, nil
	}

	entries, err := os.ReadDir(s.layerRoot)
	if err != nil {
		return "", time.Time{}, "", apperror.New(apperror.CodeNotFound, "volume layer not found")
	}

	var candidates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if model.IsTimeKey(e.Name()) {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", time.Time{}, "", apperror.New(apperror.CodeNotFound, "no volume times available")
	}
	sort.Strings(candidates)
	key := candidates[len(candidates)-1]
	_, t, err := model.ParseTimeKey(key)
	if err != nil {
		return "", time.Time{}, "", apperror.Wrap(err, apperror.CodeInternal, "invalid time directory name")
	}
	return key, t, filepath.Join(s.layerRoot, key), nil
}

func resolveSlicePath(timeDir, level string) (string, error) {
	ncPath := filepath.Join(timeDir, level+".nc")
	if info, err := os.Stat(ncPath); err == nil && !info.IsDir() {
		return ncPath, nil
	}
	zarrPath := filepath.Join(timeDir, level+".zarr")
	if info, err := os.Stat(zarrPath); err == nil && info.IsDir() {
		return zarrPath, nil
	}
	return "", apperror.New(apperror.CodeNotFound, fmt.Sprintf("level not found: %s", level))
}

func targetGridSize(bbox model.BBox2D, resM float64) (nLat, nLon int) {
	latDistM := (bbox.North - bbox.South) * model.METERSPERDEGLAT
	meanLatRad := bbox.MeanLat() * math.Pi / 180
	lonDistM := (bbox.East - bbox.West) * model.METERSPERDEGLAT * math.Abs(math.Cos(meanLatRad))

	nLat = int(math.Ceil(latDistM/resM)) + 1
	if nLat < 2 {
		nLat = 2
	}
	nLon = int(math.Ceil(lonDistM/resM)) + 1
	if nLon < 2 {
		nLon = 2
	}
	return nLat, nLon
}

func buildTargetGrid(bbox model.BBox2D, resM float64) (targetLat, targetLon []float64, nLat, nLon int) {
	nLat, nLon = targetGridSize(bbox, resM)
	targetLat = linspace(bbox.South, bbox.North, nLat)
	targetLon = linspace(bbox.West, bbox.East, nLon)
	return targetLat, targetLon, nLat, nLon
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = lo + step*float64(i)
	}
	return out
}

// boundingSlice finds the minimal contiguous [lo, hi) index range on a
// sorted ascending axis covering [vmin, vmax], per spec's "bounding slice"
// glossary term.
func boundingSlice(axisSorted []float64, vmin, vmax float64) (lo, hi int) {
	n := len(axisSorted)
	if n == 0 {
		return 0, 0
	}
	start := sort.SearchFloat64s(axisSorted, vmin) - 1
	if start < 0 {
		start = 0
	}
	end := sort.SearchFloat64s(axisSorted, vmax)
	if end > n-1 {
		end = n - 1
	}
	if end < start {
		return 0, 0
	}
	return start, end + 1
}

func reorder(slab []float64, latPerm, lonPerm []int, nLon int) []float64 {
	out := make([]float64, len(slab))
	for i, srcLat := range latPerm {
		for j, srcLon := range lonPerm {
			out[i*nLon+j] = slab[srcLat*nLon+srcLon]
		}
	}
	return out
}

func subsetRows(values []float64, nLonSrc, latLo, latHi, lonLo, lonHi int) []float64 {
	nLonSub := lonHi - lonLo
	out := make([]float64, (latHi-latLo)*nLonSub)
	for i := latLo; i < latHi; i++ {
		copy(out[(i-latLo)*nLonSub:(i-latLo+1)*nLonSub], values[i*nLonSrc+lonLo:i*nLonSrc+lonHi])
	}
	return out
}

// interp2D performs two separated 1-D linear interpolations (lon first,
// then lat), per spec §4.6.
func interp2D(lat, lon []float64, values []float64, targetLat, targetLon []float64) []float32 {
	nLonSrc := len(lon)
	lonIntermediate := make([]float64, len(lat)*len(targetLon))
	for i := range lat {
		row := values[i*nLonSrc : (i+1)*nLonSrc]
		interp1D(lon, row, targetLon, lonIntermediate[i*len(targetLon):(i+1)*len(targetLon)])
	}

	out := make([]float32, len(targetLat)*len(targetLon))
	col := make([]float64, len(lat))
	colOut := make([]float64, len(targetLat))
	for j := range targetLon {
		for i := range lat {
			col[i] = lonIntermediate[i*len(targetLon)+j]
		}
		interp1D(lat, col, targetLat, colOut)
		for i := range targetLat {
			out[i*len(targetLon)+j] = float32(colOut[i])
		}
	}
	return out
}

// interp1D is a linear interpolator matching numpy.interp's clamped-edge
// semantics: queries outside [x[0], x[n-1]] clamp to the nearest endpoint.
func interp1D(x, y, xq, out []float64) {
	n := len(x)
	if n == 1 {
		for i := range xq {
			out[i] = y[0]
		}
		return
	}
	for qi, q := range xq {
		if q <= x[0] {
			out[qi] = y[0]
			continue
		}
		if q >= x[n-1] {
			out[qi] = y[n-1]
			continue
		}
		idx := sort.SearchFloat64s(x, q)
		if x[idx] == q {
			out[qi] = y[idx]
			continue
		}
		lo, hi := idx-1, idx
		frac := (q - x[lo]) / (x[hi] - x[lo])
		out[qi] = y[lo] + frac*(y[hi]-y[lo])
	}
}
