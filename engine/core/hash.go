package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// WriteStableJSON writes a canonical JSON representation of v into b.
// Object keys are sorted recursively; arrays keep their order. Values that
// are not plain JSON trees are normalized through encoding/json first.
func WriteStableJSON(b *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONScalar(b, k)
			b.WriteByte(':')
			WriteStableJSON(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			WriteStableJSON(b, e)
		}
		b.WriteByte(']')
	case string, bool, float64, nil:
		writeJSONScalar(b, t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			b.WriteString("null")
			return
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			b.WriteString("null")
			return
		}
		WriteStableJSON(b, generic)
	}
}

func writeJSONScalar(b *bytes.Buffer, v any) {
	bs, err := json.Marshal(v)
	if err != nil {
		b.WriteString("null")
		return
	}
	b.Write(bs)
}

// StableJSONBytes returns the canonical JSON bytes for v.
func StableJSONBytes(v any) []byte {
	var b bytes.Buffer
	WriteStableJSON(&b, v)
	return b.Bytes()
}

// HashOf returns a SHA-256 hex digest of the canonical JSON form of v.
func HashOf(v any) string {
	sum := sha256.Sum256(StableJSONBytes(v))
	return hex.EncodeToString(sum[:])
}
