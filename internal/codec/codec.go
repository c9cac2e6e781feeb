// Package codec implements spec.md §4.A: encoding and decoding of event
// payloads to and from bytes, in two interchangeable wire formats.
package codec

import (
	"fmt"

	"go-sourcing/pkg/eventsourcing"
)

// Codec converts a host payload value to and from wire bytes.
type Codec interface {
	// Encode serializes payload, returning the bytes and the encoding
	// tag to persist alongside them.
	Encode(payload any) ([]byte, eventsourcing.Encoding, error)

	// Decode parses data (tagged by encoding) into a generic field map.
	// Every field present on the wire is represented, known or not, so
	// callers that only understand a subset never lose the rest.
	Decode(data []byte, encoding eventsourcing.Encoding) (map[string]any, error)
}

// New returns the binary codec when preferBinary is true, else the JSON
// codec. Both implementations can decode either encoding tag; the choice
// only affects what Encode produces (spec.md §4.A: "two interchangeable
// encodings").
func New(preferBinary bool) Codec {
	if preferBinary {
		return Binary{}
	}
	return JSON{}
}

func malformed(op string, err error) error {
	return &eventsourcing.CodecError{
		EngineError: eventsourcing.EngineError{Op: op, Err: err},
		Kind:        eventsourcing.CodecMalformed,
	}
}

func unsupportedEncoding(op string, enc eventsourcing.Encoding) error {
	return malformed(op, fmt.Errorf("unsupported payload_encoding %q", enc))
}
