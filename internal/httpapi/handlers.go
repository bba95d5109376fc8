package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"weathercompute/internal/observability"
	"weathercompute/internal/service/streamline"
	"weathercompute/internal/service/vector"
	"weathercompute/internal/service/volume"
	"weathercompute/pkg/apperror"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/config"
	"weathercompute/pkg/model"
	"weathercompute/pkg/telemetry"
)

// stringifyFields renders a Fingerprintable's canonical fields as strings
// for the audit record, per spec §4.7's "canonical params (as strings)".
func stringifyFields(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func parseDataRoot(source string) (model.DataRootKind, error) {
	switch model.DataRootKind(source) {
	case model.DataRootECMWF, model.DataRootCLDAS, model.DataRootTownForecast:
		return model.DataRootKind(source), nil
	default:
		return "", apperror.NewWithField(apperror.CodeInvalidRequest, "unknown data source", "source")
	}
}

func vectorHandler(svc *vector.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auditFromContext(r.Context())
		vars := mux.Vars(r)
		q := r.URL.Query()

		root, err := parseDataRoot(vars["source"])
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}

		req, err := vector.ParseRequest(root, vars["run"], vars["level"], vars["time"], q.Get("bbox"), q.Get("stride"))
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}
		ac.params = stringifyFields(req.CanonicalFields())
		attrs := telemetry.RequestAttributes("wind_vector", req.Level, req.Run, req.Time)
		if req.BBox != nil {
			ac.bbox = req.BBox
			attrs = append(attrs, telemetry.BBoxAttributes(req.BBox.West, req.BBox.South, req.BBox.East, req.BBox.North)...)
		}
		telemetry.SetAttributes(r.Context(), attrs...)

		result, err := svc.Serve(r.Context(), req)
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}
		ac.outcome = result.Outcome
		ac.cacheHit = result.Outcome != cache.OutcomeComputed

		var resp vector.Response
		pointCount := 0
		if json.Unmarshal(result.Body, &resp) == nil {
			pointCount = len(resp.Lat)
		}
		telemetry.SetAttributes(r.Context(), append(
			telemetry.CacheAttributes(result.ETag, string(result.Outcome)),
			attribute.Int(telemetry.AttrPointCount, pointCount),
			attribute.Int(telemetry.AttrOutputBytes, len(result.Body)),
		)...)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", result.ETag)
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Body)
	}
}

func streamlineHandler(svc *streamline.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auditFromContext(r.Context())
		vars := mux.Vars(r)
		q := r.URL.Query()

		root, err := parseDataRoot(vars["source"])
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}

		req, err := streamline.ParseRequest(root, vars["run"], vars["level"], vars["time"],
			q.Get("bbox"), q.Get("stride"), q.Get("step_km"), q.Get("max_steps"), q.Get("min_speed"))
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}
		ac.bbox = &req.BBox
		attrs := telemetry.RequestAttributes("wind_streamline", req.Level, req.Run, req.Time)
		attrs = append(attrs, telemetry.BBoxAttributes(req.BBox.West, req.BBox.South, req.BBox.East, req.BBox.North)...)
		attrs = append(attrs, attribute.Int(telemetry.AttrStepCount, req.MaxSteps))
		telemetry.SetAttributes(r.Context(), attrs...)

		result, err := svc.Serve(r.Context(), req)
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}
		ac.outcome = result.Outcome
		ac.cacheHit = result.Outcome != cache.OutcomeComputed

		var resp streamline.Response
		seedCount := 0
		if json.Unmarshal(result.Body, &resp) == nil {
			seedCount = len(resp.Streamlines)
		}
		telemetry.SetAttributes(r.Context(),
			attribute.Int(telemetry.AttrSeedCount, seedCount),
			attribute.String(telemetry.AttrCacheOutcome, string(result.Outcome)),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Body)
	}
}

type prewarmRequestBody struct {
	Bboxes []string `json:"bboxes"`
	Stride string   `json:"stride"`
}

type prewarmResultEntry struct {
	BBox   string `json:"bbox"`
	Status string `json:"status"`
}

type prewarmResponseBody struct {
	Results []prewarmResultEntry `json:"results"`
}

const maxPrewarmBBoxes = 50

// prewarmHandler triggers a compute (or cache confirmation) for each bbox
// in the request body, per spec §6's editor-gated prewarm endpoint.
func prewarmHandler(svc *vector.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auditFromContext(r.Context())
		vars := mux.Vars(r)

		root, err := parseDataRoot(vars["source"])
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}

		var body prewarmRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			err := apperror.NewWithField(apperror.CodeInvalidRequest, "malformed prewarm request body", "bboxes")
			ac.err = err
			WriteError(w, r, err)
			return
		}
		if len(body.Bboxes) == 0 || len(body.Bboxes) > maxPrewarmBBoxes {
			err := apperror.NewWithField(apperror.CodeInvalidRequest,
				fmt.Sprintf("bboxes must contain between 1 and %d entries", maxPrewarmBBoxes), "bboxes")
			ac.err = err
			WriteError(w, r, err)
			return
		}

		results := make([]prewarmResultEntry, 0, len(body.Bboxes))
		for _, bboxRaw := range body.Bboxes {
			req, err := vector.ParseRequest(root, vars["run"], vars["level"], vars["time"], strings.TrimSpace(bboxRaw), body.Stride)
			if err != nil {
				ac.err = err
				WriteError(w, r, err)
				return
			}
			result, err := svc.Serve(r.Context(), req)
			if err != nil {
				ac.err = err
				WriteError(w, r, err)
				return
			}
			results = append(results, prewarmResultEntry{BBox: bboxRaw, Status: string(result.Outcome)})
		}

		ac.outcome = cache.OutcomeComputed
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(prewarmResponseBody{Results: results})
	}
}

func volumeHandler(svc *volume.Service, limits config.VolumeConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auditFromContext(r.Context())
		q := r.URL.Query()

		req, err := volume.ParseRequest(q.Get("bbox"), q.Get("levels"), q.Get("res"), q.Get("valid_time"),
			limits.MaxBBoxAreaDeg2, limits.MinResMeters)
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}
		ac.bbox = &req.BBox.BBox2D
		telemetry.SetAttributes(r.Context(), append(
			telemetry.BBoxAttributes(req.BBox.West, req.BBox.South, req.BBox.East, req.BBox.North),
			attribute.String(telemetry.AttrLevel, strings.Join(req.Levels, ",")),
			attribute.String(telemetry.AttrValidTime, req.ValidTime),
		)...)

		result, err := svc.Serve(r.Context(), req)
		if err != nil {
			ac.err = err
			WriteError(w, r, err)
			return
		}
		ac.outcome = result.Outcome
		ac.cacheHit = result.Outcome != cache.OutcomeComputed
		telemetry.SetAttributes(r.Context(), attribute.String(telemetry.AttrCacheOutcome, string(result.Outcome)))

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Body)
	}
}

type volumeStatsResponseBody struct {
	Top []observability.BucketCount `json:"top"`
}

const volumeStatsTopK = 20

func volumeStatsHandler(hooks *observability.Hooks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(volumeStatsResponseBody{Top: hooks.TopBuckets(volumeStatsTopK)})
	}
}
