package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
)

// Gate is what an Interceptor consults for every intercepted call: Decide
// before the call runs and Record once its result is known.
type Gate interface {
	Decide(kind Kind, path string) Outcome
	Record(ev Event)
}

// ReportingGate decides against the session policy and forwards events to
// the controller. Without a working channel it fails closed in enforcing
// mode and open in advisory mode.
type ReportingGate struct {
	mode     Mode
	policy   Policy
	reporter *Reporter
	logger   *slog.Logger

	mu  sync.Mutex
	err error
}

// NewReportingGate builds a gate. rep may be nil when the controller was
// unreachable.
func NewReportingGate(ctx context.Context, mode Mode, rep *Reporter) *ReportingGate {
	g := &ReportingGate{mode: mode, policy: Policy{Mode: mode}, reporter: rep, logger: ctxlog.FromContext(ctx)}
	if rep != nil {
		g.policy = rep.Policy()
		// The environment is authoritative for how to fail.
		g.policy.Mode = mode
	}
	return g
}

// Decide implements Gate.
func (g *ReportingGate) Decide(kind Kind, path string) Outcome {
	if g.policy.Ignored(path) {
		return OutcomeAllowed
	}
	if g.channelDown() {
		if g.mode == ModeEnforcing {
			return OutcomeBlocked
		}
		return OutcomeAllowed
	}
	return g.policy.Decide(kind, path)
}

// Record implements Gate.
func (g *ReportingGate) Record(ev Event) {
	if g.policy.Ignored(ev.Path) {
		return
	}
	if g.reporter == nil {
		g.channelFailed(&ChannelError{Err: errNoChannel})
		return
	}
	if err := g.reporter.Report(ev); err != nil {
		g.channelFailed(err)
	}
}

// Err returns the first channel failure.
func (g *ReportingGate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *ReportingGate) channelDown() bool {
	if g.reporter == nil {
		return true
	}
	return g.Err() != nil
}

func (g *ReportingGate) channelFailed(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	g.err = err
	if g.mode == ModeEnforcing {
		g.logger.Error("Monitor channel lost, blocking further accesses.", "error", err)
	} else {
		g.logger.Warn("Monitor channel lost, accesses are no longer reported.", "error", err)
	}
}
