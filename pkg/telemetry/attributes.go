package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared across the vector/streamline/volume services.
const (
	AttrBBoxWest  = "bbox.west"
	AttrBBoxEast  = "bbox.east"
	AttrBBoxSouth = "bbox.south"
	AttrBBoxNorth = "bbox.north"

	AttrVariable  = "request.variable"
	AttrLevel     = "request.level"
	AttrRunTime   = "request.run_time"
	AttrValidTime = "request.valid_time"

	AttrPointCount  = "grid.point_count"
	AttrStepCount   = "streamline.step_count"
	AttrSeedCount   = "streamline.seed_count"
	AttrOutputBytes = "response.output_bytes"

	AttrCacheOutcome = "cache.outcome" // fresh, stale, computed
	AttrFingerprint  = "request.fingerprint"
)

// BBoxAttributes returns span attributes describing a request's bounding box.
func BBoxAttributes(west, south, east, north float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Float64(AttrBBoxWest, west),
		attribute.Float64(AttrBBoxSouth, south),
		attribute.Float64(AttrBBoxEast, east),
		attribute.Float64(AttrBBoxNorth, north),
	}
}

// RequestAttributes returns span attributes describing the catalog coordinates
// of a request (variable, level, run time, valid time).
func RequestAttributes(variable, level, runTime, validTime string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrVariable, variable),
		attribute.String(AttrLevel, level),
		attribute.String(AttrRunTime, runTime),
		attribute.String(AttrValidTime, validTime),
	}
}

// CacheAttributes returns span attributes describing a cache lookup outcome.
func CacheAttributes(fingerprint, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFingerprint, fingerprint),
		attribute.String(AttrCacheOutcome, outcome),
	}
}
