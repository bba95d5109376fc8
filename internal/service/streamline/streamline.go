// Package streamline implements StreamlineService: seeds a grid of starting
// points and integrates wind streamlines forward on a sphere using
// classical RK4, all behind CacheBytes.
package streamline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"weathercompute/internal/catalog"
	"weathercompute/internal/workerpool"
	"weathercompute/pkg/apperror"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/dataset"
	"weathercompute/pkg/grid"
	"weathercompute/pkg/model"
)

// polarEps guards against the latitude-axis singularity at the poles.
const polarEps = 1e-6

// componentPairs mirrors vector.componentPairs; duplicated here rather than
// exported from that package to keep the two services independent.
var componentPairs = [][2]string{
	{"u", "v"},
	{"eastward_wind_10m", "northward_wind_10m"},
	{"10u", "10v"},
	{"u10", "v10"},
}

// Request is a canonicalized streamline request.
type Request struct {
	Root     model.DataRootKind
	Run      string
	Level    string
	Time     string
	BBox     model.BBox2D
	Stride   int
	StepKM   float64
	MaxSteps int
	MinSpeed float64
}

func (r Request) CanonicalFields() map[string]any {
	return map[string]any{
		"run":    r.Run,
		"level":  r.Level,
		"time":   r.Time,
		"stride": r.Stride,
		"bbox": []string{
			model.FormatNumeric(r.BBox.West),
			model.FormatNumeric(r.BBox.South),
			model.FormatNumeric(r.BBox.East),
			model.FormatNumeric(r.BBox.North),
		},
		"step_km":   model.FormatNumeric(r.StepKM),
		"max_steps": r.MaxSteps,
		"min_speed": model.FormatNumeric(r.MinSpeed),
	}
}

func (r Request) Endpoint() string { return "streamline" }

// Polyline is one streamline: a sequence of (lat, lon) points.
type Polyline struct {
	Lat []float64 `json:"lat"`
	Lon []float64 `json:"lon"`
}

// Response is the JSON body: a list of polylines.
type Response struct {
	Streamlines []Polyline `json:"streamlines"`
}

// Result is the outcome of Serve.
type Result struct {
	Body    []byte
	Outcome cache.Outcome
}

// ParseRequest validates raw query parameters into a Request.
func ParseRequest(root model.DataRootKind, run, levelRaw, timeRaw, bboxRaw, strideRaw, stepKMRaw, maxStepsRaw, minSpeedRaw string) (Request, error) {
	runKey, _, err := model.ParseTimeKey(run)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "run")
	}
	timeKey, _, err := model.ParseTimeKey(timeRaw)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "time")
	}
	level, err := model.ParseLevelKey(levelRaw)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "level")
	}
	if err := model.ValidateLevelForDomain(level, model.LevelDomainGeneric); err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "level")
	}

	stride, err := parseIntDefault(strideRaw, 1, 1, 256)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "stride must be an integer in [1, 256]", "stride")
	}
	maxSteps, err := parseIntDefault(maxStepsRaw, 50, 1, 10000)
	if err != nil {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "max_steps must be a positive integer", "max_steps")
	}

	stepKM := 10.0
	if strings.TrimSpace(stepKMRaw) != "" {
		stepKM, err = strconv.ParseFloat(stepKMRaw, 64)
		if err != nil || stepKM <= 0 {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "step_km must be a positive number", "step_km")
		}
	}

	minSpeed := 0.5
	if strings.TrimSpace(minSpeedRaw) != "" {
		minSpeed, err = strconv.ParseFloat(minSpeedRaw, 64)
		if err != nil || minSpeed < 0 {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "min_speed must be a non-negative number", "min_speed")
		}
	}

	parts := strings.Split(bboxRaw, ",")
	if len(parts) != 4 {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox must have four comma-separated values", "bbox")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox values must be finite numbers", "bbox")
		}
		vals[i] = v
	}
	bbox := model.BBox2D{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if bbox.South < -90 || bbox.North > 90 {
		return Request{}, apperror.NewWithField(apperror.CodeInvalidRequest, "bbox latitude out of range", "bbox")
	}

	return Request{
		Root: root, Run: runKey, Level: level.String(), Time: timeKey,
		BBox: bbox, Stride: stride, StepKM: stepKM, MaxSteps: maxSteps, MinSpeed: minSpeed,
	}, nil
}

func parseIntDefault(raw string, def, lo, hi int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("out of range")
	}
	return v, nil
}

// Service implements StreamlineService.
type Service struct {
	resolver  *catalog.AssetResolver
	source    dataset.Source
	cacheByte *cache.CacheBytes
	maxSeeds  int
	pool      *workerpool.Pool
}

// New builds a StreamlineService. pool may be nil, in which case compute
// runs inline on the calling goroutine (used by tests).
func New(resolver *catalog.AssetResolver, source dataset.Source, cacheByte *cache.CacheBytes, maxSeeds int, pool *workerpool.Pool) *Service {
	return &Service{resolver: resolver, source: source, cacheByte: cacheByte, maxSeeds: maxSeeds, pool: pool}
}

// Serve runs the streamline pipeline behind CacheBytes.
func (s *Service) Serve(ctx context.Context, req Request) (Result, error) {
	fp, err := cache.RequestFingerprint(req)
	if err != nil {
		return Result{}, apperror.Wrap(err, apperror.CodeInternal, "failed to compute request fingerprint")
	}

	body, outcome, err := s.cacheByte.GetOrCompute(ctx, "streamline:"+fp, func(ctx context.Context) ([]byte, error) {
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
	_, runTime, err := model.ParseTimeKey(req.Run)
	if err != nil {
		return nil, apperror.NewWithField(apperror.CodeInvalidRequest, err.Error(), "run")
	}
	_, validTime, err := model.ParseTimeKey(req.Time)
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
	levelIdx, err := findLevelIndex(ds, req.Level)
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
	uSlab = reorder(uSlab, latAxis.Perm, lonAxis.Perm, nLon)
	vSlab = reorder(vSlab, latAxis.Perm, lonAxis.Perm, nLon)

	conv := model.DetectLongitudeConvention(lonAxis.Values)

	latIdx := grid.LatIndices(latAxis.Values, req.BBox.South, req.BBox.North, req.Stride)
	lonIdx := grid.LonIndices(lonAxis.Values, req.BBox.West, req.BBox.East, conv, req.Stride)

	if len(latIdx)*len(lonIdx) > s.maxSeeds {
		return nil, apperror.New(apperror.CodeInvalidRequest, "reduce bbox or increase stride")
	}

	sampler := func(lat, lon float64) (float64, float64) {
		lonN := model.NormalizeRequestLon(lon, conv)
		u := grid.BilinearSample(latAxis.Values, lonAxis.Values, uSlab, nLon, []float64{lat}, []float64{lonN})[0]
		v := grid.BilinearSample(latAxis.Values, lonAxis.Values, vSlab, nLon, []float64{lat}, []float64{lonN})[0]
		return u, v
	}

	resp := Response{Streamlines: make([]Polyline, 0, len(latIdx)*len(lonIdx))}
	for _, li := range latIdx {
		for _, lj := range lonIdx {
			seedLat := latAxis.Values[li]
			seedLon := lonAxis.Values[lj]
			line := integrate(seedLat, seedLon, req, sampler, conv)
			if len(line.Lat) >= 2 {
				resp.Streamlines = append(resp.Streamlines, line)
			}
		}
	}

	return json.Marshal(resp)
}

// integrate runs classical RK4 forward from (lat0, lon0) per spec §4.5.
func integrate(lat0, lon0 float64, req Request, sample func(lat, lon float64) (u, v float64), conv model.LongitudeConvention) Polyline {
	stepM := req.StepKM * 1000.0

	line := Polyline{Lat: []float64{lat0}, Lon: []float64{lon0}}
	lat, lon := lat0, lon0

	for step := 0; step < req.MaxSteps; step++ {
		if math.Abs(lat) >= 90-polarEps {
			break
		}

		dLat1, dLon1, ok := rk4Stage(lat, lon, sample, req.MinSpeed, stepM)
		if !ok {
			break
		}
		k2Lat, k2Lon, ok := rk4Stage(lat+dLat1/2, lon+dLon1/2, sample, req.MinSpeed, stepM)
		if !ok {
			break
		}
		k3Lat, k3Lon, ok := rk4Stage(lat+k2Lat/2, lon+k2Lon/2, sample, req.MinSpeed, stepM)
		if !ok {
			break
		}
		k4Lat, k4Lon, ok := rk4Stage(lat+k3Lat, lon+k3Lon, sample, req.MinSpeed, stepM)
		if !ok {
			break
		}

		dLat := (dLat1 + 2*k2Lat + 2*k3Lat + k4Lat) / 6
		dLon := (dLon1 + 2*k2Lon + 2*k3Lon + k4Lon) / 6

		nextLat := lat + dLat
		nextLon := lon + dLon

		if exitsBBox(nextLat, nextLon, req.BBox, conv) {
			break
		}

		lat, lon = nextLat, nextLon
		line.Lat = append(line.Lat, lat)
		line.Lon = append(line.Lon, lon)
	}

	return line
}

// rk4Stage samples velocity at (lat, lon) and converts it to a per-step
// (dlat, dlon) displacement in degrees, per spec §4.5. ok is false when the
// sample is NaN, below min_speed, or at the polar singularity.
func rk4Stage(lat, lon float64, sample func(lat, lon float64) (u, v float64), minSpeed, stepM float64) (dLat, dLon float64, ok bool) {
	if math.Abs(lat) >= 90-polarEps {
		return 0, 0, false
	}
	u, v := sample(lat, lon)
	if math.IsNaN(u) || math.IsNaN(v) {
		return 0, 0, false
	}
	speed := math.Hypot(u, v)
	if speed < minSpeed {
		return 0, 0, false
	}

	dLat = (v * stepM) / model.METERSPERDEGLAT
	latRad := lat * math.Pi / 180
	cosLat := math.Cos(latRad)
	if cosLat < 1e-9 {
		cosLat = 1e-9
	}
	dLon = (u * stepM) / (model.METERSPERDEGLAT * cosLat)
	return dLat, dLon, true
}

// exitsBBox tests whether (lat, lon) has left the request bbox, accounting
// for the dataset's longitude convention and dateline-crossing selections.
func exitsBBox(lat, lon float64, bbox model.BBox2D, conv model.LongitudeConvention) bool {
	const slack = 1e-6
	if lat < bbox.South-slack || lat > bbox.North+slack {
		return true
	}

	lo := model.NormalizeRequestLon(bbox.West, conv)
	hi := model.NormalizeRequestLon(bbox.East, conv)
	lonN := model.NormalizeRequestLon(lon, conv)

	if lo <= hi {
		return lonN < lo-slack || lonN > hi+slack
	}
	return lonN < lo-slack && lonN > hi+slack
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

func findLevelIndex(ds dataset.Dataset, levelKey string) (int, error) {
	levels := ds.Level()
	if strings.EqualFold(levelKey, model.SurfaceLevelKey) {
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
