package eventsourcing_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"go-sourcing/pkg/eventsourcing"
)

func TestConcurrencyConflictError_Is(t *testing.T) {
	err := &eventsourcing.ConcurrencyConflictError{
		EngineError: eventsourcing.EngineError{Op: "Save"},
		AggregateID: "agg-1",
		Expected:    5,
		Actual:      6,
	}
	assert.True(t, errors.Is(err, eventsourcing.ErrConcurrencyConflict))
	assert.False(t, errors.Is(err, eventsourcing.ErrNotFound))
}

func TestErrors_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &eventsourcing.BackendError{EngineError: eventsourcing.EngineError{Op: "Begin", Err: cause}}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, eventsourcing.ErrBackend)
}

func TestCodecError_KindString(t *testing.T) {
	err := &eventsourcing.CodecError{
		EngineError: eventsourcing.EngineError{Op: "Decode"},
		Kind:        eventsourcing.CodecUnknownType,
		EventType:   "Mystery",
	}
	assert.Contains(t, err.Error(), "UnknownType")
	assert.Contains(t, err.Error(), "Mystery")
	assert.True(t, errors.Is(err, eventsourcing.ErrCodec))
}

func TestLaggedError_CarriesSkipped(t *testing.T) {
	err := &eventsourcing.LaggedError{Skipped: 90}
	assert.Equal(t, "subscriber lagged, skipped 90 events", err.Error())
	assert.True(t, errors.Is(err, eventsourcing.ErrLagged))
}
