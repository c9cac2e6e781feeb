package eventsourcing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sourcing/pkg/eventsourcing"
)

type counter struct {
	eventsourcing.Base
	total int
}

func newCounter(id string) *counter {
	c := &counter{}
	c.Init(id, "Counter", c.apply)
	return c
}

func (c *counter) apply(e eventsourcing.DomainEvent) {
	if amount, ok := e.Payload.(int); ok {
		c.total += amount
	}
}

func (c *counter) Increment(by int) {
	c.Raise("Incremented", by)
}

func TestBase_RaiseAppliesImmediatelyAndEnqueues(t *testing.T) {
	c := newCounter("c1")

	c.Increment(3)
	c.Increment(4)

	assert.Equal(t, 7, c.total, "Raise must mutate state synchronously")
	assert.Equal(t, uint64(2), c.CurrentVersion())
	require.Len(t, c.UncommittedEvents(), 2)
	assert.Equal(t, "Incremented", c.UncommittedEvents()[0].EventType)
}

func TestBase_MarkEventsCommittedClearsQueueNotState(t *testing.T) {
	c := newCounter("c1")
	c.Increment(5)

	c.MarkEventsCommitted()

	assert.Empty(t, c.UncommittedEvents())
	assert.Equal(t, 5, c.total, "committing must not reset applied state")
	assert.Equal(t, uint64(1), c.CurrentVersion())
}

func TestBase_ApplyEventDuringReplayDoesNotEnqueue(t *testing.T) {
	c := newCounter("c1")

	c.ApplyEvent(eventsourcing.DomainEvent{Type: "Incremented", Payload: 10, AggregateVersion: 1})

	assert.Equal(t, 10, c.total)
	assert.Equal(t, uint64(1), c.CurrentVersion())
	assert.Empty(t, c.UncommittedEvents(), "replayed events must not be treated as uncommitted")
}

func TestBase_SetVersionForSnapshotRehydration(t *testing.T) {
	c := newCounter("c1")
	c.SetVersion(42)
	assert.Equal(t, uint64(42), c.CurrentVersion())
}
