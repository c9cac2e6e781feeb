package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sourcing/internal/codec"
	"go-sourcing/pkg/eventsourcing"
)

func TestJSON_RoundTrip(t *testing.T) {
	c := codec.New(false)

	data, enc, err := c.Encode(map[string]any{"name": "Alice", "age": float64(30)})
	require.NoError(t, err)
	assert.Equal(t, eventsourcing.EncodingJSON, enc)

	fields, err := c.Decode(data, enc)
	require.NoError(t, err)
	assert.Equal(t, "Alice", fields["name"])
	assert.Equal(t, float64(30), fields["age"])
}

func TestBinary_RoundTrip(t *testing.T) {
	c := codec.New(true)

	data, enc, err := c.Encode(map[string]any{
		"name":   "Bob",
		"active": true,
		"score":  float64(12.5),
		"tags":   []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, eventsourcing.EncodingBinary, enc)

	fields, err := c.Decode(data, enc)
	require.NoError(t, err)
	assert.Equal(t, "Bob", fields["name"])
	assert.Equal(t, true, fields["active"])
	assert.Equal(t, 12.5, fields["score"])
	assert.Equal(t, []any{"a", "b"}, fields["tags"])
}

func TestBinary_Deterministic(t *testing.T) {
	c := codec.New(true)
	payload := map[string]any{"z": "last", "a": "first", "m": "middle"}

	first, _, err := c.Encode(payload)
	require.NoError(t, err)
	second, _, err := c.Encode(payload)
	require.NoError(t, err)

	assert.Equal(t, first, second, "binary encoding must be deterministic for equal inputs")
}

func TestBinary_EmptyPayload(t *testing.T) {
	c := codec.New(true)
	fields, err := c.Decode([]byte{}, eventsourcing.EncodingBinary)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestCodec_UnsupportedEncoding(t *testing.T) {
	c := codec.New(false)
	_, err := c.Decode([]byte("x"), eventsourcing.Encoding("xml"))
	require.Error(t, err)

	var codecErr *eventsourcing.CodecError
	require.ErrorAs(t, err, &codecErr)
	assert.Equal(t, eventsourcing.CodecMalformed, codecErr.Kind)
}

func TestJSON_ForwardCompatFields(t *testing.T) {
	// spec.md §8 Scenario 6: a field unknown to the local schema must
	// survive decode->re-encode through the generic field map.
	c := codec.New(false)
	data := []byte(`{"name":"Carol","future_field":"X"}`)

	fields, err := c.Decode(data, eventsourcing.EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, "X", fields["future_field"])

	reencoded, _, err := c.Encode(fields)
	require.NoError(t, err)

	roundTripped, err := c.Decode(reencoded, eventsourcing.EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, "X", roundTripped["future_field"])
}
