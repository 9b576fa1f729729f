package propagation

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t      *testing.T
	clock  clockwork.FakeClock
	net    *Network
	topo   *Topology
	snaps  chan timeline.Snapshot
	ctx    context.Context
	cancel context.CancelFunc
	errc   chan error
}

func newHarness(t *testing.T, topo *Topology) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	n, err := NewNetwork(zaptest.NewLogger(t), topo, WithClock(clock))
	require.NoError(t, err)

	h := &harness{t: t, clock: clock, net: n, topo: topo, snaps: make(chan timeline.Snapshot, 256), errc: make(chan error, 1)}
	n.Subscribe(timeline.ObserverFunc(func(s timeline.Snapshot) { h.snaps <- s }))
	h.ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.errc <- n.Run(h.ctx) }()
	t.Cleanup(func() {
		h.cancel()
		assert.NoError(t, <-h.errc)
	})
	return h
}

func defaultHarness(t *testing.T) *harness {
	t.Helper()
	topo, err := DefaultTopology()
	require.NoError(t, err)
	return newHarness(t, topo)
}

func (h *harness) take(n int) []timeline.Snapshot {
	h.t.Helper()
	out := make([]timeline.Snapshot, 0, n)
	for len(out) < n {
		select {
		case s := <-h.snaps:
			out = append(out, s)
		case <-time.After(2 * time.Second):
			h.t.Fatalf("timed out after %d of %d snapshots", len(out), n)
		}
	}
	return out
}

// spread plays a broadcast whose origin is already receiving, one depth at a
// time, and returns every snapshot up to and including the terminal one.
func (h *harness) spread(origin string) []timeline.Snapshot {
	h.t.Helper()
	medium := h.topo.Speeds[script.SpeedMedium]
	var seen []timeline.Snapshot
	for _, level := range h.topo.Levels(h.topo.index[origin]) {
		k := len(level)
		seen = append(seen, h.take(k)...) // receive
		h.clock.BlockUntil(k)
		h.clock.Advance(medium["propagate"])
		seen = append(seen, h.take(k)...) // append
		h.clock.BlockUntil(k)
		h.clock.Advance(medium["sync"])
		seen = append(seen, h.take(k)...) // sync
	}
	return append(seen, h.take(1)...)
}

func names(snaps []timeline.Snapshot, phase string) []string {
	var out []string
	for _, s := range snaps {
		if s.SubPhase == phase {
			out = append(out, s.Payload["node"])
		}
	}
	return out
}

func TestLevels(t *testing.T) {
	topo, err := DefaultTopology()
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0}, {1, 2}, {3, 4}}, topo.Levels(0))
	assert.Equal(t, [][]int{{4}, {2, 3}, {0, 1}}, topo.Levels(4))
}

func TestBroadcastVisitsEveryNodeOnce(t *testing.T) {
	h := defaultHarness(t)

	tx, err := h.net.Broadcast(h.ctx, TxRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, tx.ID)
	assert.Equal(t, "Alice", tx.From)
	assert.Equal(t, "Bob", tx.To)
	assert.Equal(t, 100, tx.Amount)

	seen := h.spread("Node A")

	received := names(seen, PhaseReceive)
	assert.ElementsMatch(t, []string{"Node A", "Node B", "Node C", "Node D", "Node E"}, received)
	assert.Len(t, received, 5)
	assert.Equal(t, "Node A", received[0])
	assert.ElementsMatch(t, []string{"Node B", "Node C"}, received[1:3])
	assert.ElementsMatch(t, []string{"Node D", "Node E"}, received[3:5])

	for _, s := range seen {
		if s.SubPhase == PhaseReceive {
			want := map[string]int{"Node A": 0, "Node B": 1, "Node C": 1, "Node D": 2, "Node E": 2}[s.Payload["node"]]
			assert.Equal(t, want, s.StepIndex, "depth of %s", s.Payload["node"])
		}
	}

	last := seen[len(seen)-1]
	assert.True(t, last.IsTerminal)
	assert.Equal(t, "Synchronized", last.Label)
	assert.Equal(t, script.PhaseComplete, last.SubPhase)
	assert.Equal(t, 3, last.StepCount)
	assert.Equal(t, last.StepCount, last.StepIndex)
	assert.Equal(t, "5", last.Payload["synced"])

	v, err := h.net.View(h.ctx)
	require.NoError(t, err)
	assert.False(t, v.Busy)
	assert.Equal(t, 5, v.Synced)
	for _, nd := range v.Nodes {
		assert.Equal(t, NodeSynced, nd.State, nd.Name)
		require.Len(t, nd.Ledger, 1, nd.Name)
		assert.Equal(t, tx.UUID, nd.Ledger[0].UUID)
	}
}

func TestLedgersNeverDuplicateATransaction(t *testing.T) {
	h := defaultHarness(t)

	first, err := h.net.Broadcast(h.ctx, TxRequest{From: "Carol", To: "Dave", Amount: 7})
	require.NoError(t, err)
	h.spread("Node A")
	second, err := h.net.BroadcastFrom(h.ctx, "Node E", TxRequest{})
	require.NoError(t, err)
	seen := h.spread("Node E")
	assert.Equal(t, "Node E", names(seen, PhaseReceive)[0])

	v, err := h.net.View(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v.TxCount)
	for _, nd := range v.Nodes {
		require.Len(t, nd.Ledger, 2, nd.Name)
		assert.Equal(t, first.UUID, nd.Ledger[0].UUID)
		assert.Equal(t, second.UUID, nd.Ledger[1].UUID)
	}
	assert.Equal(t, "#1: Carol → Dave 7", first.String())
}

func TestBroadcastWhileBusy(t *testing.T) {
	h := defaultHarness(t)

	_, err := h.net.Broadcast(h.ctx, TxRequest{})
	require.NoError(t, err)
	_, err = h.net.Broadcast(h.ctx, TxRequest{})
	assert.ErrorIs(t, err, ErrBroadcastInFlight)

	v, err := h.net.View(h.ctx)
	require.NoError(t, err)
	assert.True(t, v.Busy)
	assert.Equal(t, 1, v.TxCount)
}

func TestBroadcastFromUnknownNode(t *testing.T) {
	h := defaultHarness(t)
	_, err := h.net.BroadcastFrom(h.ctx, "Node Z", TxRequest{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestUnreachableNodesStayIdle(t *testing.T) {
	topo, err := ParseTopology([]byte(`
origin: A
nodes: [A, B, Island]
edges: [[A, B]]
speeds:
  slow:   {propagate: 2s, sync: 1s}
  medium: {propagate: 1s, sync: 500ms}
  fast:   {propagate: 500ms, sync: 250ms}
defaults: {from: x, to: y, amount: 1}
`))
	require.NoError(t, err)
	h := newHarness(t, topo)

	_, err = h.net.Broadcast(h.ctx, TxRequest{})
	require.NoError(t, err)
	seen := h.spread("A")
	assert.NotContains(t, names(seen, PhaseReceive), "Island")
	assert.Equal(t, "2", seen[len(seen)-1].Payload["synced"])

	v, err := h.net.View(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, NodeIdle, v.Nodes[2].State)
	assert.Empty(t, v.Nodes[2].Ledger)
}

func TestResetCancelsEveryBranch(t *testing.T) {
	h := defaultHarness(t)

	_, err := h.net.Broadcast(h.ctx, TxRequest{})
	require.NoError(t, err)
	h.take(1) // Node A receiving
	h.clock.BlockUntil(1)
	h.clock.Advance(400 * time.Millisecond)
	h.take(1) // Node A synced
	h.clock.BlockUntil(1)

	require.NoError(t, h.net.Reset(h.ctx))
	idle := h.take(1)[0]
	assert.Equal(t, script.PhaseIdle, idle.SubPhase)

	h.clock.Advance(time.Hour)
	v, err := h.net.View(h.ctx)
	require.NoError(t, err)
	assert.Len(t, h.snaps, 0, "a cancelled branch emitted a snapshot")
	assert.False(t, v.Busy)
	assert.Equal(t, 0, v.TxCount)
	assert.Equal(t, 0, v.Synced)
	for _, nd := range v.Nodes {
		assert.Equal(t, NodeIdle, nd.State)
		assert.Empty(t, nd.Ledger)
	}

	tx, err := h.net.Broadcast(h.ctx, TxRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, tx.ID, "counter restarts after reset")
}

func TestSetSpeedAppliesToNextDelay(t *testing.T) {
	h := defaultHarness(t)

	assert.ErrorIs(t, h.net.SetSpeed(h.ctx, "ludicrous"), timeline.ErrInvalidSpeed)

	_, err := h.net.Broadcast(h.ctx, TxRequest{})
	require.NoError(t, err)
	recv := h.take(1)[0]
	assert.Equal(t, 400*time.Millisecond, recv.Delay)

	require.NoError(t, h.net.SetSpeed(h.ctx, "fast"))
	h.clock.BlockUntil(1)
	h.clock.Advance(400 * time.Millisecond)
	app := h.take(1)[0]
	assert.Equal(t, PhaseAppend, app.SubPhase)
	assert.Equal(t, 150*time.Millisecond, app.Delay)
	assert.Equal(t, script.SpeedFast, app.Speed)
}

func TestParseTopologyRejects(t *testing.T) {
	speeds := `
speeds:
  slow:   {propagate: 1s, sync: 1s}
  medium: {propagate: 1s, sync: 1s}
  fast:   {propagate: 1s, sync: 1s}`
	tests := map[string]string{
		"no nodes":       "origin: A\n" + speeds,
		"unknown origin": "origin: Z\nnodes: [A]\n" + speeds,
		"duplicate node": "origin: A\nnodes: [A, A]\n" + speeds,
		"dangling edge":  "origin: A\nnodes: [A]\nedges: [[A, B]]\n" + speeds,
		"loop":           "origin: A\nnodes: [A]\nedges: [[A, A]]\n" + speeds,
		"unknown field":  "origin: A\nnodes: [A]\ncolour: red\n" + speeds,
		"missing sync": `
origin: A
nodes: [A]
speeds:
  slow:   {propagate: 1s}
  medium: {propagate: 1s}
  fast:   {propagate: 1s}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTopology([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidTopology)
		})
	}
}
