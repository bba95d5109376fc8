// Package catalog implements AssetResolver: a catalog database lookup from
// (run_time, valid_time, variable, level) to a validated filesystem path,
// guarded by a circuit breaker against catalog DB outages.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"

	"weathercompute/pkg/apperror"
	"weathercompute/pkg/database"
	"weathercompute/pkg/metrics"
	"weathercompute/pkg/model"
)

// DataRoots maps a DataRootKind to its configured, already-absolute root
// directory, used by path validation to reject symlink escapes.
type DataRoots map[model.DataRootKind]string

// AssetResolver resolves a catalog lookup into a validated asset path, per
// spec §4.3.
type AssetResolver struct {
	db      database.DB
	roots   DataRoots
	breaker *gobreaker.CircuitBreaker
}

// NewAssetResolver builds an AssetResolver backed by db, with a circuit
// breaker protecting the catalog from repeated query failures.
func NewAssetResolver(db database.DB, roots DataRoots) *AssetResolver {
	settings := gobreaker.Settings{
		Name:     "catalog",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m := metrics.Get(); m != nil {
				m.SetCircuitBreakerState(name, breakerStateValue(to))
			}
		},
	}
	return &AssetResolver{db: db, roots: roots, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Resolve looks up the highest-versioned asset matching
// (runTime, validTime, variable, level) and validates its path lies under
// the given root kind. Database unavailability maps to UpstreamUnavailable
// (via the circuit breaker); an empty result maps to NotFound.
func (r *AssetResolver) Resolve(ctx context.Context, root model.DataRootKind, runTime, validTime time.Time, variable, level string) (model.AssetRef, error) {
	result, err := r.breaker.Execute(func() (any, error) {
		return r.query(ctx, runTime, validTime, variable, level)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.Get().RecordCatalogQuery("error")
			return model.AssetRef{}, apperror.ErrCircuitOpen
		}
		if errors.Is(err, errNoRows) {
			metrics.Get().RecordCatalogQuery("not_found")
			return model.AssetRef{}, apperror.ErrAssetNotFound
		}
		metrics.Get().RecordCatalogQuery("error")
		return model.AssetRef{}, apperror.New(apperror.CodeUpstreamUnavailable, fmt.Sprintf("catalog query failed: %v", err))
	}

	metrics.Get().RecordCatalogQuery("ok")
	path := result.(string)
	return r.validatePath(root, path)
}

var errNoRows = errors.New("catalog: no matching asset")

const resolveQuery = `
SELECT a.path
FROM ecmwf_assets a
JOIN ecmwf_runs r ON r.id = a.run_id
JOIN ecmwf_times t ON t.id = a.time_id
WHERE r.run_time = $1
  AND t.valid_time = $2
  AND lower(a.variable) = lower($3)
  AND lower(a.level) = lower($4)
ORDER BY a.version DESC
LIMIT 1
`

func (r *AssetResolver) query(ctx context.Context, runTime, validTime time.Time, variable, level string) (string, error) {
	var path string
	err := r.db.QueryRow(ctx, resolveQuery, runTime, validTime, variable, level).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errNoRows
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// validatePath enforces spec §4.3's path-validation rule: an absolute path
// is used as is and a relative path is joined with the configured data
// root; either way the path must exist and must resolve (after following
// all symlinks) under that root.
func (r *AssetResolver) validatePath(root model.DataRootKind, path string) (model.AssetRef, error) {
	base, ok := r.roots[root]
	if !ok {
		return model.AssetRef{}, fmt.Errorf("catalog: no data root configured for %q", root)
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = path
	} else {
		candidate = filepath.Join(base, path)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return model.AssetRef{}, apperror.ErrAssetNotFound
	}

	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return model.AssetRef{}, fmt.Errorf("catalog: data root %q does not resolve: %w", base, err)
	}

	if resolved != resolvedBase && !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)) {
		return model.AssetRef{}, apperror.NewWithField(
			apperror.CodeInvalidRequest, "resolved asset path escapes its configured data root", "path",
		)
	}

	return model.AssetRef{Path: resolved, Root: root}, nil
}
