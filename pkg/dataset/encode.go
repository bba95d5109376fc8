package dataset

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"

	"github.com/klauspost/compress/flate"
)

// VariableData pairs a Variable descriptor with its flattened
// (time, level, lat, lon) row-major float64 values, for use with
// EncodeFilestore.
type VariableData struct {
	Variable
	Values []float64
}

// EncodeFilestore writes a self-describing single-file dataset asset in
// the filestore layout: header length, JSON header, then one
// flate-compressed float64 blob per variable. It is the
// filestore counterpart to ingestion tooling and test fixtures, mirroring
// the read path in Open/openFilestore.
func EncodeFilestore(path string, time []string, level, lat, lon []float64, vars []VariableData) error {
	hdr := header{Time: time, Level: level, Lat: lat, Lon: lon}
	for _, v := range vars {
		hdr.Variables = append(hdr.Variables, v.Variable)
	}

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint32(len(hdrBytes))); err != nil {
		return err
	}
	if _, err := f.Write(hdrBytes); err != nil {
		return err
	}

	for _, v := range vars {
		compressed, err := deflate(float64ToBytes(v.Values))
		if err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, uint32(len(compressed))); err != nil {
			return err
		}
		if _, err := f.Write(compressed); err != nil {
			return err
		}
	}
	return nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
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

func float64ToBytes(values []float64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], math.Float64bits(v))
	}
	return out
}
