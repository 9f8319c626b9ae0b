package knowledge

import (
	"encoding/binary"
	"math"
)

// EncodeVector packs a vector into the little-endian float32 BYTEA layout
// used by the kg_obligations.embedding column.
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector unpacks a stored embedding. Trailing bytes that do not form
// a whole float32 are dropped.
func DecodeVector(data []byte) []float32 {
	n := len(data) / 4
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
