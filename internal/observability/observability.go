// Package observability implements ObservabilityHooks: the structured
// per-request audit record and the bbox-bucket stats counter described in
// spec §4.7, wired on top of pkg/audit's Builder/Logger.
package observability

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"weathercompute/pkg/audit"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/model"
)

// bucketStep quantizes bbox coordinates to 0.25 degrees before bucketing,
// per spec §4.7's example step.
const bucketStep = 0.25

// RequestRecord carries the fields ObservabilityHooks needs to build one
// audit entry and, when the request carried a bbox, one bucket increment.
type RequestRecord struct {
	Endpoint   string
	Params     map[string]string
	ClientIP   string
	Duration   time.Duration
	CacheHit   bool
	Outcome    cache.Outcome
	BBox       *model.BBox2D
	Err        error
}

// Hooks wraps an audit.Logger and an in-memory bbox-bucket counter, serving
// every request handler regardless of which service it dispatched to.
type Hooks struct {
	logger audit.Logger
	stats  *bucketStats
}

// New builds Hooks around the given audit.Logger (use audit.NewStdoutLogger
// or audit.New per configuration; pass &audit.NoopLogger{} to disable).
func New(logger audit.Logger) *Hooks {
	return &Hooks{logger: logger, stats: newBucketStats()}
}

// Record logs one structured audit entry for a served request and, if the
// request carried a bbox, increments its quantized bucket counter.
func (h *Hooks) Record(ctx context.Context, rec RequestRecord) {
	outcome := audit.OutcomeSuccess
	action := audit.ActionCompute
	if rec.Err != nil {
		outcome = audit.OutcomeFailure
	}
	if rec.CacheHit {
		action = audit.ActionRead
	}

	b := audit.NewEntry().
		Service("weathercompute").
		Method(rec.Endpoint).
		Action(action).
		Outcome(outcome).
		Client(rec.ClientIP, "").
		Duration(rec.Duration).
		Meta("cache_hit", rec.CacheHit).
		Meta("response_time_ms", rec.Duration.Milliseconds()).
		Meta("outcome", string(rec.Outcome))

	for k, v := range rec.Params {
		b.Meta(k, v)
	}
	if rec.Err != nil {
		b.Error("", rec.Err.Error())
	}

	if h.logger != nil {
		_ = h.logger.Log(ctx, b.Build())
	}

	if rec.BBox != nil {
		h.stats.increment(cache.BucketKey(*rec.BBox, bucketStep))
	}
}

// TopBuckets returns the k most frequently requested bbox buckets,
// descending by count, per spec §4.7's "expose the top-K bbox buckets on
// demand."
func (h *Hooks) TopBuckets(k int) []BucketCount {
	return h.stats.topK(k)
}

// ClientIPFromRequest implements spec §4.7's client_ip rule: first value
// of X-Forwarded-For if present, else the request's remote peer, else
// "unknown".
func ClientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.SplitN(fwd, ",", 2)[0]
		return strings.TrimSpace(first)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// BucketCount pairs a bbox bucket key with its observed request count.
type BucketCount struct {
	Bucket string `json:"bucket"`
	Count  int64  `json:"count"`
}

// bucketStats is the process-wide bbox-bucket request counter.
type bucketStats struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newBucketStats() *bucketStats {
	return &bucketStats{counts: make(map[string]int64)}
}

func (s *bucketStats) increment(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[bucket]++
}

func (s *bucketStats) topK(k int) []BucketCount {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BucketCount, 0, len(s.counts))
	for bucket, count := range s.counts {
		out = append(out, BucketCount{Bucket: bucket, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Bucket < out[j].Bucket
	})
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}
