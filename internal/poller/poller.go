// Package poller waits for asynchronously provisioned backend resources to
// reach a terminal state.
package poller

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/clock"
	"pkt.systems/pslog"
)

// StateFunc reads the current state of the watched resource.
type StateFunc func(ctx context.Context) (string, error)

// Target describes one pending operation.
type Target struct {
	// Name identifies the resource in logs and errors.
	Name     string
	State    StateFunc
	Terminal string
	// InitialDelay is waited once before the first poll.
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

// Timing groups the delay parameters of a Target.
type Timing struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

// Apply copies t into target and returns it.
func (t Timing) Apply(target Target) Target {
	target.InitialDelay = t.InitialDelay
	target.Interval = t.Interval
	target.Timeout = t.Timeout
	return target
}

// MaxPolls returns how many polls fit the budget. The n-th poll is allowed
// while InitialDelay + n*Interval does not exceed Timeout.
func (t Target) MaxPolls() int {
	if t.Interval <= 0 {
		if t.InitialDelay <= t.Timeout {
			return 1
		}
		return 0
	}
	if t.Timeout < t.InitialDelay {
		return 0
	}
	return int((t.Timeout - t.InitialDelay) / t.Interval)
}

// Poller runs Targets. The zero value is not usable; call New.
type Poller struct {
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a Poller sleeping on clk.
func New(clk clock.Clock, logger pslog.Logger) *Poller {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Poller{clock: clk, logger: logger}
}

// AwaitState sleeps InitialDelay, then polls every Interval until the state
// equals Terminal. It returns an api.ErrTimedOut error once no further poll
// fits within Timeout. Errors from the state source are returned as is.
func (p *Poller) AwaitState(ctx context.Context, target Target) error {
	if target.State == nil {
		return fmt.Errorf("poller: %s: no state source", target.Name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	maxPolls := target.MaxPolls()
	p.logger.Debug("poll.start",
		"target", target.Name,
		"terminal", target.Terminal,
		"initial_delay", target.InitialDelay,
		"interval", target.Interval,
		"timeout", target.Timeout,
		"max_polls", maxPolls,
	)
	if err := clock.SleepContext(ctx, p.clock, target.InitialDelay); err != nil {
		return err
	}
	last := ""
	for n := 1; n <= maxPolls; n++ {
		if n > 1 {
			if err := clock.SleepContext(ctx, p.clock, target.Interval); err != nil {
				return err
			}
		}
		state, err := target.State(ctx)
		if err != nil {
			p.logger.Debug("poll.error", "target", target.Name, "poll", n, "error", err)
			return err
		}
		last = state
		p.logger.Trace("poll.state", "target", target.Name, "poll", n, "state", state)
		if state == target.Terminal {
			p.logger.Debug("poll.done", "target", target.Name, "polls", n)
			return nil
		}
	}
	p.logger.Warn("poll.timeout", "target", target.Name, "terminal", target.Terminal, "last_state", last, "timeout", target.Timeout)
	return &api.Error{
		Kind:    api.ErrTimedOut,
		Path:    target.Name,
		Message: fmt.Sprintf("state %q not reached within %s (last %q)", target.Terminal, target.Timeout, last),
	}
}
