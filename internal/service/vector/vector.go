// Package vector implements WindVectorService: parses and canonicalizes a
// wind-vector-point-cloud request, resolves and samples the backing
// dataset, and encodes the result as compact JSON, all behind CacheBytes.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"weathercompute/internal/catalog"
	"weathercompute/internal/workerpool"
	"weathercompute/pkg/apperror"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/dataset"
	"weathercompute/pkg/grid"
	"weathercompute/pkg/model"
)

// componentPairs lists accepted (u, v)-family variable name pairs in order
// of preference, per spec §4.4.
var componentPairs = [][2]string{
	{"u", "v"},
	{"eastward_wind_10m", "northward_wind_10m"},
	{"10u", "10v"},
	{"u10", "v10"},
}

// Request is a canonicalized wind-vector-point-cloud request.
type Request struct {
	Root     model.DataRootKind
	Run      string
	Level    string
	Time     string
	BBox     *model.BBox2D
	Stride   int
}

// CanonicalFields implements model.Fingerprintable.
func (r Request) CanonicalFields() map[string]any {
	fields := map[string]any{
		"run":    r.Run,
		"level":  r.Level,
		"time":   r.Time,
		"stride": r.Stride,
	}
	if r.BBox != nil {
		fields["bbox"] = []string{
			model.FormatNumeric(r.BBox.West),
			model.FormatNumeric(r.BBox.South),
			model.FormatNumeric(r.BBox.East),
			model.FormatNumeric(r.BBox.North),
		}
	} else {
		fields["bbox"] = nil
	}
	return fields
}

func (r Request) Endpoint() string { return "vector" }

// nullableFloats is a float64 slice that marshals NaN entries as JSON null,
// since encoding/json rejects NaN outright and spec §4.4 requires "NaN ->
// null" in the response body.
type nullableFloats []float64

func (f nullableFloats) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		if math.IsNaN(v) {
			b.WriteString("null")
			continue
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// Response is the JSON body returned to the caller: four equal-length,
// row-major flat arrays.
type Response struct {
	U   nullableFloats `json:"u"`
	V   nullableFloats `json:"v"`
	Lat nullableFloats `json:"lat"`
	Lon nullableFloats `json:"lon"`
}

// Result is the outcome of Serve: the encoded JSON body plus the cache
// outcome and ETag the HTTP layer needs.
type Result struct {
	Body    []byte
	Outcome cache.Outcome
	ETag    string
}

// ParseRequest validates and canonicalizes raw query parameters per spec
// §4.4's pipeline step 1. A missing bbox means global (nil).
func ParseRequest(root model.DataRootKind, run, levelRaw, timeRaw, bboxRaw string, strideRaw string) (Request, error) {
	_, _, err := model.ParseTimeKey(timeRaw)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "time")
	}
	timeKey, _, _ := model.ParseTimeKey(timeRaw)

	runKey, _, err := model.ParseTimeKey(run)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "run")
	}

	level, err := model.ParseLevelKey(levelRaw)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "level")
	}
	if err := model.ValidateLevelForDomain(level, model.LevelDomainGeneric); err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "level")
	}

	stride := 1
	if strideRaw != "" {
		stride, err = strconv.Atoi(strideRaw)
		if err != nil || stride < 1 || stride > 256 {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "stride must be an integer in [1, 256]", "stride")
		}
	}

	var bbox *model.BBox2D
	if strings.TrimSpace(bboxRaw) != "" {
		parsed, err := parseBBox(bboxRaw)
		if err != nil {
			return Request{}, err
		}
		bbox = &parsed
	}

	return Request{
		Root:   root,
		Run:    runKey,
		Level:  level.String(),
		Time:   timeKey,
		BBox:   bbox,
		Stride: stride,
	}, nil
}

func parseBBox(raw string) (model.BBox2D, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return model.BBox2D{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox must have four comma-separated values", "bbox")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return model.BBox2D{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox values must be finite numbers", "bbox")
		}
		vals[i] = v
	}
	b := model.BBox2D{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if b.South < -90 || b.North > 90 {
		return model.BBox2D{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox latitude out of range", "bbox")
	}
	if b.West < -360 || b.West > 360 || b.East < -360 || b.East > 360 {
		return model.BBox2D{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox longitude out of range", "bbox")
	}
	return b, nil
}

// Service implements WindVectorService, wiring AssetResolver, dataset.Source,
// the grid sampler, and CacheBytes together.
type Service struct {
	resolver  *catalog.AssetResolver
	source    dataset.Source
	cacheByte *cache.CacheBytes
	maxPoints int
	pool      *workerpool.Pool
}

// New builds a WindVectorService. pool may be nil, in which case compute
// runs inline on the calling goroutine (used by tests).
func New(resolver *catalog.AssetResolver, source dataset.Source, cacheByte *cache.CacheBytes, maxPoints int, pool *workerpool.Pool) *Service {
	return &Service{resolver: resolver, source: source, cacheByte: cacheByte, maxPoints: maxPoints, pool: pool}
}

// Serve runs the full pipeline in spec §4.4, wrapped in CacheBytes' two-tier
// stale-while-revalidate protocol.
func (s *Service) Serve(ctx context.Context, req Request) (Result, error) {
	fp, err := cache.RequestFingerprint(req)
	if err != nil {
		return Result{}, apperror.Wrap(err, apperror.CodeInternal, "failed to compute request fingerprint")
	}

	body, outcome, err := s.cacheByte.GetOrCompute(ctx, "vector:"+fp, func(ctx context.Context) ([]byte, error) {
		return workerpool.Submit(ctx, s.pool, func(ctx context.Context) ([]byte, error) {
			return s.compute(ctx, req)
		})
	})
	if err != nil {
		return Result{}, err
	}

	sum := cache.ShortFingerprint(fp, 64)
	return Result{Body: body, Outcome: outcome, ETag: fmt.Sprintf("sha256-%s", sum)}, nil
}

func (s *Service) compute(ctx context.Context, req Request) ([]byte, error) {
	runTime, err := timeOfKey(req.Run)
	if err != nil {
		return nil, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "run")
	}
	validTime, err := timeOfKey(req.Time)
	if err != nil {
		return nil, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "time")
	}

	ref, err := s.resolver.Resolve(ctx, req.Root, runTime, validTime, "wind", req.Level)
	if err != nil {
		return nil, err
	}

	ds, err := s.source.Open(ref.Path)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeUpstreamUnavailable, "failed to open dataset")
	}
	defer ds.Close()

	uName, vName, err := findComponentPair(ds)
	if err != nil {
		return nil, err
	}

	timeIdx, err := findTimeIndex(ds.Time(), req.Time)
	if err != nil {
		return nil, err
	}
	levelIdx, err := findLevelIndex(ds, uName, req.Level)
	if err != nil {
		return nil, err
	}

	latAxis, err := grid.NormalizeAxis(ds.Lat())
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "invalid latitude axis")
	}
	lonAxis, err := grid.NormalizeAxis(ds.Lon())
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "invalid longitude axis")
	}

	uSlab, err := ds.Slab(uName, timeIdx, levelIdx)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to read u component")
	}
	vSlab, err := ds.Slab(vName, timeIdx, levelIdx)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to read v component")
	}

	nLon := len(lonAxis.Values)
	uSlab = reorderSlab(uSlab, latAxis.Perm, lonAxis.Perm, nLon)
	vSlab = reorderSlab(vSlab, latAxis.Perm, lonAxis.Perm, nLon)

	conv := model.DetectLongitudeConvention(lonAxis.Values)

	var minLat, maxLat, minLon, maxLon float64
	if req.BBox != nil {
		minLat, maxLat = req.BBox.South, req.BBox.North
		minLon, maxLon = req.BBox.West, req.BBox.East
	} else {
		minLat, maxLat = -90, 90
		minLon, maxLon = 0, 360
	}

	latIdx := grid.LatIndices(latAxis.Values, minLat, maxLat, req.Stride)
	lonIdx := grid.LonIndices(lonAxis.Values, minLon, maxLon, conv, req.Stride)

	if len(latIdx)*len(lonIdx) > s.maxPoints {
		return nil, apperror.New(apperror.CodeInvalidRequest, "reduce bbox or increase stride")
	}

	n := len(latIdx) * len(lonIdx)
	resp := Response{
		U:   make(nullableFloats, 0, n),
		V:   make(nullableFloats, 0, n),
		Lat: make(nullableFloats, 0, n),
		Lon: make(nullableFloats, 0, n),
	}
	for _, li := range latIdx {
		for _, lj := range lonIdx {
			resp.U = append(resp.U, uSlab[li*nLon+lj])
			resp.V = append(resp.V, vSlab[li*nLon+lj])
			resp.Lat = append(resp.Lat, latAxis.Values[li])
			resp.Lon = append(resp.Lon, lonAxis.Values[lj])
		}
	}

	return json.Marshal(resp)
}

func reorderSlab(slab []float64, latPerm, lonPerm []int, nLon int) []float64 {
	out := make([]float64, len(slab))
	for i, srcLat := range latPerm {
		for j, srcLon := range lonPerm {
			out[i*nLon+j] = slab[srcLat*nLon+srcLon]
		}
	}
	return out
}

func findComponentPair(ds dataset.Dataset) (string, string, error) {
	for _, pair := range componentPairs {
		_, uOK := ds.Variable(pair[0])
		_, vOK := ds.Variable(pair[1])
		if uOK && vOK {
			return pair[0], pair[1], nil
		}
	}
	return "", "", apperror.New(apperror.CodeNotFound, "dataset has no recognized wind component variables")
}

func findTimeIndex(times []string, want string) (int, error) {
	for i, t := range times {
		canonical, _, err := model.ParseTimeKey(t)
		if err == nil && canonical == want {
			return i, nil
		}
	}
	return 0, apperror.New(apperror.CodeNotFound, "requested time not present in dataset")
}

func findLevelIndex(ds dataset.Dataset, varName, levelKey string) (int, error) {
	levels := ds.Level()
	v, _ := ds.Variable(varName)

	if strings.EqualFold(levelKey, model.SurfaceLevelKey) {
		if longName, ok := v.Attrs["long_name"].(string); ok && strings.Contains(strings.ToLower(longName), "surface") {
			return 0, nil
		}
		if units, ok := v.Attrs["units"].(string); ok && (units == "1" || units == "") {
			return 0, nil
		}
		for i, lv := range levels {
			if math.Abs(lv) < 1e-9 {
				return i, nil
			}
		}
		if len(levels) == 1 {
			return 0, nil
		}
		return 0, apperror.New(apperror.CodeNotFound, "no surface level found in dataset")
	}

	want, err := strconv.ParseFloat(levelKey, 64)
	if err != nil {
		return 0, apperror.NewWithField(apperror.CodeInvalidRequest, "non-surface level must be numeric", "level")
	}
	for i, lv := range levels {
		if math.Abs(lv-want) <= 1e-3 {
			return i, nil
		}
	}
	return 0, apperror.New(apperror.CodeNotFound, "requested level not present in dataset")
}

func timeOfKey(key string) (time.Time, error) {
	_, t, err := model.ParseTimeKey(key)
	return t, err
}
