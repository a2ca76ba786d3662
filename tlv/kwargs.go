package tlv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeKwargs decodes a kwargs payload, auto-detecting the format.
// Payloads starting with the TLV magic byte take the binary path; anything
// else is decoded as a JSON object. Numbers from the JSON path are
// normalized the same way as the binary path (integral values to int64,
// everything else to float64) so handlers see one numeric model regardless
// of how the pool side encoded the arguments.
func DecodeKwargs(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	if IsBinaryFormat(data) {
		return Decode(data)
	}
	return decodeJSONKwargs(data)
}

func decodeJSONKwargs(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("tlv: json kwargs: %w", err)
	}

	kwargs := make(map[string]any, len(raw))
	for name, v := range raw {
		kwargs[name] = normalizeJSON(v)
	}
	return kwargs, nil
}

// normalizeJSON converts json.Number values to int64 where exact, float64
// otherwise. Nested containers are normalized recursively; they are legal on
// the JSON path even though the binary encoder rejects them.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, nested := range val {
			val[k] = normalizeJSON(nested)
		}
		return val
	case []any:
		for i, nested := range val {
			val[i] = normalizeJSON(nested)
		}
		return val
	default:
		return v
	}
}
