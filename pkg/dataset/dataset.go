// Package dataset implements the dataset-access capability: a Source opens
// an on-disk asset and returns a Dataset exposing coordinate axes and named
// variable slabs. Two storage layouts are supported: filestore (a single
// self-describing file, standing in for a NetCDF-style asset) and dirstore
// (a directory of per-variable chunk files, standing in for a Zarr-style
// asset).
package dataset

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Variable describes one named variable's shape and optional attributes
// (e.g. long_name, units) used for sfc-level detection.
type Variable struct {
	Name  string         `json:"name"`
	Shape []int          `json:"shape"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// header is the self-describing JSON header shared by both storage layouts.
type header struct {
	Time      []string   `json:"time"`
	Level     []float64  `json:"level"`
	Lat       []float64  `json:"lat"`
	Lon       []float64  `json:"lon"`
	Variables []Variable `json:"variables"`
}

// Dataset exposes coordinate axes and named-variable 4-D slabs
// (time, level, lat, lon), matching spec §4.2/§4.4's access pattern.
type Dataset interface {
	Time() []string
	Level() []float64
	Lat() []float64
	Lon() []float64
	Variable(name string) (Variable, bool)
	// Slab returns the 2-D (lat, lon) slice of a variable at the given
	// time and level index, row-major.
	Slab(name string, timeIdx, levelIdx int) ([]float64, error)
	Close() error
}

// Source opens a dataset asset given its resolved filesystem path,
// selecting filestore or dirstore by the path's shape (regular file vs.
// directory).
type Source struct{}

// Open opens path as a Dataset, picking the filestore or dirstore backend
// depending on whether it names a regular file or a directory.
func (Source) Open(path string) (Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return openDirstore(path)
	}
	return openFilestore(path)
}

// fileDataset is the filestore ("NetCDF-style") backend: a single file
// holding the JSON header followed by one flate-compressed float64 blob
// per variable, concatenated in header.Variables order.
type fileDataset struct {
	hdr    header
	blobs  map[string][]byte // decompressed little-endian float64 payloads
	closed bool
}

func openFilestore(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdrLen uint32
	if err := binary.Read(f, binary.LittleEndian, &hdrLen); err != nil {
		return nil, fmt.Errorf("dataset: read header length: %w", err)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(f, hdrBytes); err != nil {
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}
	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("dataset: decode header: %w", err)
	}

	blobs := make(map[string][]byte, len(hdr.Variables))
	for _, v := range hdr.Variables {
		var blobLen uint32
		if err := binary.Read(f, binary.LittleEndian, &blobLen); err != nil {
			return nil, fmt.Errorf("dataset: read %s length: %w", v.Name, err)
		}
		compressed := make([]byte, blobLen)
		if _, err := io.ReadFull(f, compressed); err != nil {
			return nil, fmt.Errorf("dataset: read %s blob: %w", v.Name, err)
		}
		raw, err := inflate(compressed)
		if err != nil {
			return nil, fmt.Errorf("dataset: inflate %s: %w", v.Name, err)
		}
		blobs[v.Name] = raw
	}

	return &fileDataset{hdr: hdr, blobs: blobs}, nil
}

func (d *fileDataset) Time() []string  { return d.hdr.Time }
func (d *fileDataset) Level() []float64 { return d.hdr.Level }
func (d *fileDataset) Lat() []float64  { return d.hdr.Lat }
func (d *fileDataset) Lon() []float64  { return d.hdr.Lon }

func (d *fileDataset) Variable(name string) (Variable, bool) {
	for _, v := range d.hdr.Variables {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return Variable{}, false
}

func (d *fileDataset) Slab(name string, timeIdx, levelIdx int) ([]float64, error) {
	v, ok := d.Variable(name)
	if !ok {
		return nil, fmt.Errorf("dataset: variable %q not found", name)
	}
	if len(v.Shape) != 4 {
		return nil, fmt.Errorf("dataset: variable %q has unexpected shape %v", name, v.Shape)
	}
	nTime, nLevel, nLat, nLon := v.Shape[0], v.Shape[1], v.Shape[2], v.Shape[3]
	if timeIdx < 0 || timeIdx >= nTime || levelIdx < 0 || levelIdx >= nLevel {
		return nil, fmt.Errorf("dataset: index out of range for %q", name)
	}

	raw := d.blobs[name]
	floats := bytesToFloat64(raw)
	slabLen := nLat * nLon
	offset := (timeIdx*nLevel + levelIdx) * slabLen
	if offset+slabLen > len(floats) {
		return nil, fmt.Errorf("dataset: slab out of range for %q", name)
	}
	return append([]float64(nil), floats[offset:offset+slabLen]...), nil
}

func (d *fileDataset) Close() error {
	d.closed = true
	return nil
}

// dirDataset is the dirstore ("Zarr-style") backend: a directory holding
// meta.json plus one file per variable, each a flate-compressed float64
// blob for the full (time, level, lat, lon) array.
type dirDataset struct {
	dir string
	hdr header
}

func openDirstore(dir string) (Dataset, error) {
	metaPath := filepath.Join(dir, "meta.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", metaPath, err)
	}
	var hdr header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("dataset: decode %s: %w", metaPath, err)
	}
	return &dirDataset{dir: dir, hdr: hdr}, nil
}

func (d *dirDataset) Time() []string   { return d.hdr.Time }
func (d *dirDataset) Level() []float64 { return d.hdr.Level }
func (d *dirDataset) Lat() []float64   { return d.hdr.Lat }
func (d *dirDataset) Lon() []float64   { return d.hdr.Lon }

func (d *dirDataset) Variable(name string) (Variable, bool) {
	for _, v := range d.hdr.Variables {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return Variable{}, false
}

func (d *dirDataset) Slab(name string, timeIdx, levelIdx int) ([]float64, error) {
	v, ok := d.Variable(name)
	if !ok {
		return nil, fmt.Errorf("dataset: variable %q not found", name)
	}
	if len(v.Shape) != 4 {
		return nil, fmt.Errorf("dataset: variable %q has unexpected shape %v", name, v.Shape)
	}
	nTime, nLevel, nLat, nLon := v.Shape[0], v.Shape[1], v.Shape[2], v.Shape[3]
	if timeIdx < 0 || timeIdx >= nTime || levelIdx < 0 || levelIdx >= nLevel {
		return nil, fmt.Errorf("dataset: index out of range for %q", name)
	}

	chunkPath := filepath.Join(d.dir, v.Name+".bin")
	compressed, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", chunkPath, err)
	}
	raw, err := inflate(compressed)
	if err != nil {
		return nil, fmt.Errorf("dataset: inflate %s: %w", chunkPath, err)
	}
	floats := bytesToFloat64(raw)
	slabLen := nLat * nLon
	offset := (timeIdx*nLevel + levelIdx) * slabLen
	if offset+slabLen > len(floats) {
		return nil, fmt.Errorf("dataset: slab out of range for %q", name)
	}
	return append([]float64(nil), floats[offset:offset+slabLen]...), nil
}

func (d *dirDataset) Close() error { return nil }

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

func bytesToFloat64(raw []byte) []float64 {
	n := len(raw) / 8
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
		out[i] = math.Float64frombits(bits)
	}
	return out
}
