package projection

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Manager runs a fixed set of Runners concurrently and reports the first
// one to fail, cancelling the rest. Hosts that register multiple
// projections (e.g. one per read model) construct a Manager instead of
// managing goroutines themselves.
type Manager struct {
	runners []*Runner
}

// NewManager wraps runners for concurrent supervision.
func NewManager(runners ...*Runner) *Manager {
	return &Manager{runners: runners}
}

// Run starts every Runner and blocks until ctx is cancelled or one Runner
// returns a non-nil error, at which point the rest are cancelled too.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range m.runners {
		runner := runner
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}
	return g.Wait()
}
