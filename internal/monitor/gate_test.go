package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateWithoutChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("enforcing fails closed", func(t *testing.T) {
		g := NewReportingGate(ctx, ModeEnforcing, nil)
		assert.Equal(t, OutcomeBlocked, g.Decide(KindFileOpenRead, "/anything"))
		g.Record(Event{Kind: KindFileOpenRead, Path: "/anything", Outcome: OutcomeBlocked})
		var chErr *ChannelError
		require.ErrorAs(t, g.Err(), &chErr)
		assert.ErrorIs(t, g.Err(), errNoChannel)
	})

	t.Run("advisory fails open", func(t *testing.T) {
		g := NewReportingGate(ctx, ModeAdvisory, nil)
		assert.Equal(t, OutcomeAllowed, g.Decide(KindFileOpenWrite, "/anything"))
		g.Record(Event{Kind: KindFileOpenWrite, Path: "/anything", Outcome: OutcomeAllowed})
		assert.Error(t, g.Err())
	})
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(t.TempDir()+"/missing.sock", "session", 1, WithRetry(0, 0))
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)

	_, err = Dial("", "", 1)
	assert.ErrorContains(t, err, "no session configured")
}
