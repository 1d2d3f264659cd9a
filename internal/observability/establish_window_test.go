package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstablishWindowKeysByTransportAndStage(t *testing.T) {
	w := newEstablishWindow(8)
	w.observe("signaling", StageSDPExchange, 500)
	w.observe("signaling", StageSDPExchange, 700)
	w.observe("signaling", StageSDPExchange, 2900)
	w.observe("relay", StageUpstreamDial, 300)
	w.observe("signaling", "", 10)

	snap := w.snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 2)

	relay := snap.Stages[0]
	assert.Equal(t, "relay", relay.Transport)
	assert.Equal(t, StageUpstreamDial, relay.Stage)
	assert.Equal(t, 1, relay.Samples)
	assert.Zero(t, relay.OverBudget)

	sdp := snap.Stages[1]
	assert.Equal(t, "signaling", sdp.Transport)
	assert.Equal(t, StageSDPExchange, sdp.Stage)
	assert.Equal(t, 3, sdp.Samples)
	assert.Equal(t, 700.0, sdp.P50MS)
	assert.Equal(t, 2900.0, sdp.P95MS)
	assert.Equal(t, 2900.0, sdp.MaxMS)
	assert.Equal(t, 2500.0, sdp.BudgetMS)
	assert.Equal(t, 1, sdp.OverBudget)
}

func TestEstablishWindowKeepsNewestSamples(t *testing.T) {
	w := newEstablishWindow(2)
	w.observe("relay", StageUpstreamDial, 10)
	w.observe("relay", StageUpstreamDial, 20)
	w.observe("relay", StageUpstreamDial, 30)

	snap := w.snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Equal(t, 20.0, snap.Stages[0].P50MS)
	assert.Equal(t, 30.0, snap.Stages[0].MaxMS)
}

func TestEstablishWindowOutcomes(t *testing.T) {
	w := newEstablishWindow(4)
	w.recordOutcome("signaling", OutcomeMinted)
	w.recordOutcome("signaling", OutcomeMinted)
	w.recordOutcome("signaling", OutcomeRateLimited)
	w.recordOutcome("relay", OutcomeFailed)
	w.recordOutcome("relay", "bogus")

	snap := w.snapshot()
	require.Len(t, snap.Outcomes, 2)
	assert.Equal(t, TransportOutcomes{Transport: "relay", Failed: 1}, snap.Outcomes[0])
	assert.Equal(t, TransportOutcomes{Transport: "signaling", Minted: 2, RateLimited: 1}, snap.Outcomes[1])
}

func TestTransportFromContext(t *testing.T) {
	assert.Equal(t, TransportUnattributed, TransportFrom(context.Background()))
	assert.Equal(t, "relay", TransportFrom(WithTransport(context.Background(), "relay")))
}

func TestMetricsObserveMintFeedsCounterAndWindow(t *testing.T) {
	m := NewMetrics("test")
	ctx := WithTransport(context.Background(), "signaling")
	m.ObserveMint(ctx, "client_secret", OutcomeMinted)
	m.ObserveMint(ctx, "client_secret", OutcomeRateLimited)
	m.ObserveStage(ctx, StageCredentialMint, 120*time.Millisecond)

	snap := m.SnapshotEstablishment()
	require.Len(t, snap.Outcomes, 1)
	assert.Equal(t, 1, snap.Outcomes[0].Minted)
	assert.Equal(t, 1, snap.Outcomes[0].RateLimited)
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, "signaling", snap.Stages[0].Transport)
	assert.Equal(t, 120.0, snap.Stages[0].MaxMS)
}
