package ir

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical encodes v as canonical JSON: object keys sorted, strings
// (keys included) NFC-normalized, no HTML escaping, no trailing newline.
//
// Documents are stored in this form so that two clients writing the same
// logical content produce byte-identical rows, whatever normalization form
// their input methods used.
func MarshalCanonical(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// UnmarshalDoc decodes a stored document body. An empty input yields an
// empty document.
func UnmarshalDoc(data []byte) (Doc, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Doc{}, nil
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	if d == nil {
		d = Doc{}
	}
	return d, nil
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case Doc:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = norm.NFC.String(s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical json: %T", v)
	}
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, elem := range m {
		n, err := normalize(elem)
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", k, err)
		}
		out[norm.NFC.String(k)] = n
	}
	return out, nil
}
