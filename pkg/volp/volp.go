// Package volp implements the VOLP binary volume-pack format: a "VOLP"
// magic, a little-endian u32 header length, a UTF-8 JSON header, and a
// flate-compressed float32 cube in [levels, n_lat, n_lon] row-major order.
package volp

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/flate"
)

const magic = "VOLP"

// Header is the VOLP header JSON payload.
type Header struct {
	BBox      [4]float64 `json:"bbox"` // west, south, east, north
	Levels    []string   `json:"levels"`
	Variable  string     `json:"variable"`
	ValidTime string     `json:"valid_time"`
	ResM      float64    `json:"res_m"`
	Layer     string     `json:"layer"`
	Scale     float64    `json:"scale"`
	Offset    float64    `json:"offset"`
	Dtype     string     `json:"dtype"`
	Shape     [3]int     `json:"shape"` // L, ny, nx
}

// Encode builds the full VOLP byte payload from a header and a flattened
// [L, ny, nx] row-major float32 cube.
func Encode(hdr Header, cube []float32) ([]byte, error) {
	l, ny, nx := hdr.Shape[0], hdr.Shape[1], hdr.Shape[2]
	if len(cube) != l*ny*nx {
		return nil, fmt.Errorf("volp: cube length %d does not match shape %v", len(cube), hdr.Shape)
	}

	hdr.Dtype = "float32"
	hdr.Scale = 1.0
	if hdr.Offset == 0 {
		hdr.Offset = 0.0
	}

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("volp: encode header: %w", err)
	}

	compressed, err := deflate(float32ToBytes(cube))
	if err != nil {
		return nil, fmt.Errorf("volp: compress cube: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(magic)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdrBytes)))
	buf.Write(lenBuf[:])
	buf.Write(hdrBytes)
	buf.Write(compressed)

	return buf.Bytes(), nil
}

// Decode parses a VOLP payload back into its header and cube.
func Decode(payload []byte) (Header, []float32, error) {
	if len(payload) < 8 || string(payload[0:4]) != magic {
		return Header{}, nil, fmt.Errorf("volp: missing magic header")
	}
	hdrLen := binary.LittleEndian.Uint32(payload[4:8])
	if len(payload) < 8+int(hdrLen) {
		return Header{}, nil, fmt.Errorf("volp: truncated header")
	}

	var hdr Header
	if err := json.Unmarshal(payload[8:8+hdrLen], &hdr); err != nil {
		return Header{}, nil, fmt.Errorf("volp: decode header: %w", err)
	}

	raw, err := inflate(payload[8+hdrLen:])
	if err != nil {
		return Header{}, nil, fmt.Errorf("volp: decompress cube: %w", err)
	}

	cube := bytesToFloat32(raw)
	want := hdr.Shape[0] * hdr.Shape[1] * hdr.Shape[2]
	if len(cube) != want {
		return Header{}, nil, fmt.Errorf("volp: decoded cube length %d does not match shape %v", len(cube), hdr.Shape)
	}

	return hdr, cube, nil
}

// EstimateOutputBytes estimates the uncompressed payload size for the
// MAX_OUTPUT_BYTES ceiling check, before the cube is actually assembled.
func EstimateOutputBytes(levels, nLat, nLon int) int {
	return levels * nLat * nLon * 4
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

func float32ToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
