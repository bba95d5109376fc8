package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"weathercompute/pkg/model"
)

// RequestFingerprint computes the canonical SHA-256 fingerprint of a
// Fingerprintable request, per spec §4.7: canonical JSON (sorted keys,
// compact separators, ASCII) hashed with SHA-256. It is the spiritual
// successor of a quick/short content-hash helper, specialized to request
// canonicalization instead of arbitrary payloads.
func RequestFingerprint(req model.Fingerprintable) (string, error) {
	canonical, err := CanonicalJSON(req.CanonicalFields())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON renders fields as compact, key-sorted, ASCII-only JSON so
// that semantically identical requests always hash to the same bytes.
func CanonicalJSON(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(escapeNonASCII(valJSON))
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// escapeNonASCII rewrites every rune above the ASCII range into a \uXXXX
// escape (a UTF-16 surrogate pair above U+FFFF), an ASCII-only guarantee
// for cross-language fingerprint stability. Its input comes from
// json.Marshal, which already escapes the HTML-sensitive characters <, >
// and & as well.
func escapeNonASCII(in []byte) []byte {
	ascii := true
	for _, b := range in {
		if b > 127 {
			ascii = false
			break
		}
	}
	if ascii {
		return in
	}

	var out []byte
	for _, r := range string(in) {
		if r > 127 {
			out = append(out, []byte(jsonUnicodeEscape(r))...)
		} else {
			out = append(out, byte(r))
		}
	}
	return out
}

func jsonUnicodeEscape(r rune) string {
	if r > 0xFFFF {
		hi, lo := utf16.EncodeRune(r)
		return fmt.Sprintf(`\u%04x\u%04x`, hi, lo)
	}
	return fmt.Sprintf(`\u%04x`, r)
}

// ShortFingerprint returns the first n hex characters of a fingerprint,
// used in log lines and metrics labels where the full hash is too long.
func ShortFingerprint(fp string, n int) string {
	if n >= len(fp) {
		return fp
	}
	return fp[:n]
}

// BucketKey quantizes a bbox to a fixed step and concatenates the
// quantized coordinates into a stable string, per spec §4.7's bbox-bucket
// observability counter.
func BucketKey(b model.BBox2D, step float64) string {
	quant := func(v float64) float64 {
		return float64(int64(v/step)) * step
	}
	return model.FormatNumeric(quant(b.West)) + "," +
		model.FormatNumeric(quant(b.South)) + "," +
		model.FormatNumeric(quant(b.East)) + "," +
		model.FormatNumeric(quant(b.North))
}
