package codec

import (
	"encoding/json"

	"go-sourcing/pkg/eventsourcing"
)

// JSON is the human-readable, debug-friendly encoding. It is UTF-8 text
// with Go's default (alphabetical) key ordering for map fields; it is not
// guaranteed deterministic byte-for-byte the way Binary is, since struct
// field order depends on the payload's Go type, not a canonical schema.
type JSON struct{}

func (JSON) Encode(payload any) ([]byte, eventsourcing.Encoding, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", malformed("JSON.Encode", err)
	}
	return b, eventsourcing.EncodingJSON, nil
}

func (JSON) Decode(data []byte, encoding eventsourcing.Encoding) (map[string]any, error) {
	switch encoding {
	case eventsourcing.EncodingJSON, "":
		if len(data) == 0 {
			return map[string]any{}, nil
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, malformed("JSON.Decode", err)
		}
		return fields, nil
	case eventsourcing.EncodingBinary:
		return Binary{}.Decode(data, encoding)
	default:
		return nil, unsupportedEncoding("JSON.Decode", encoding)
	}
}
