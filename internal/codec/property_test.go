package codec_test

import (
	"math"
	"testing"

	"pgregory.net/rapid"

	"go-sourcing/internal/codec"
	"go-sourcing/pkg/eventsourcing"
)

// TestBinary_RoundTripProperty checks spec.md §8's round-trip-codec
// invariant: decode(encode(x)) reproduces every field of x, for
// arbitrarily generated flat field maps.
func TestBinary_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z][a-z0-9_]{0,9}`), func(s string) string { return s }).
			Draw(rt, "keys")

		payload := make(map[string]any, len(keys))
		for _, k := range keys {
			switch rapid.IntRange(0, 3).Draw(rt, "kind_"+k) {
			case 0:
				payload[k] = rapid.String().Draw(rt, "str_"+k)
			case 1:
				payload[k] = rapid.Bool().Draw(rt, "bool_"+k)
			case 2:
				payload[k] = rapid.Float64().Filter(func(f float64) bool { return !math.IsNaN(f) }).Draw(rt, "float_"+k)
			default:
				payload[k] = nil
			}
		}

		c := codec.New(true)
		data, enc, err := c.Encode(payload)
		if err != nil {
			rt.Fatalf("Encode: %v", err)
		}
		if enc != eventsourcing.EncodingBinary {
			rt.Fatalf("expected binary encoding tag, got %q", enc)
		}

		decoded, err := c.Decode(data, enc)
		if err != nil {
			rt.Fatalf("Decode: %v", err)
		}

		for k, v := range payload {
			got, ok := decoded[k]
			if !ok {
				rt.Fatalf("field %q missing after round-trip", k)
			}
			if got != v {
				rt.Fatalf("field %q: got %v, want %v", k, got, v)
			}
		}
	})
}
