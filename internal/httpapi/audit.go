package httpapi

import (
	"context"
	"net/http"
	"time"

	"weathercompute/internal/observability"
	"weathercompute/pkg/cache"
	"weathercompute/pkg/model"
)

// auditContext carries the per-request fields a handler fills in so the
// audit middleware can log one record after the handler returns, per
// spec §4.7's "records outcome after the handler returns."
type auditContext struct {
	endpoint string
	params   map[string]string
	cacheHit bool
	outcome  cache.Outcome
	bbox     *model.BBox2D
	err      error
}

type auditContextKey int

const auditKey auditContextKey = 0

func withAuditContext(ctx context.Context, ac *auditContext) context.Context {
	return context.WithValue(ctx, auditKey, ac)
}

func auditFromContext(ctx context.Context) *auditContext {
	ac, _ := ctx.Value(auditKey).(*auditContext)
	return ac
}

// auditMiddleware logs one structured record per request via
// observability.Hooks, reading back whatever the handler recorded onto the
// request's auditContext.
func auditMiddleware(hooks *observability.Hooks) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ac := &auditContext{endpoint: routeTemplate(r), params: map[string]string{}}
			ctx := withAuditContext(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))

			hooks.Record(r.Context(), observability.RequestRecord{
				Endpoint: ac.endpoint,
				Params:   ac.params,
				ClientIP: observability.ClientIPFromRequest(r),
				Duration: time.Since(start),
				CacheHit: ac.cacheHit,
				Outcome:  ac.outcome,
				BBox:     ac.bbox,
				Err:      ac.err,
			})
		})
	}
}
