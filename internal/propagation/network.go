// Package propagation spreads a transaction breadth-first across a small
// network. Every visited node receives, appends and syncs the transaction on
// its own delay chain; nodes at the same depth overlap, and the next depth
// starts once the whole current depth has synced.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// ScenarioID identifies network snapshots.
const ScenarioID = "network"

// Node sub-phases.
const (
	PhaseReceive = "receive"
	PhaseAppend  = "append"
	PhaseSync    = "sync"
)

var (
	// ErrBroadcastInFlight is returned by Broadcast while an earlier
	// transaction is still spreading.
	ErrBroadcastInFlight = errors.New("a broadcast is already in flight")
	// ErrUnknownNode is returned by BroadcastFrom for origins not in the topology.
	ErrUnknownNode = errors.New("unknown node")
)

// NodeState is where a node stands with the current transaction.
type NodeState string

const (
	NodeIdle      NodeState = "idle"
	NodeReceiving NodeState = "receiving"
	NodeSynced    NodeState = "synced"
)

// Transaction is one entry in a node's ledger.
type Transaction struct {
	ID        int       `json:"id"`
	UUID      string    `json:"uuid"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int       `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (tx Transaction) String() string {
	return fmt.Sprintf("#%d: %s → %s %d", tx.ID, tx.From, tx.To, tx.Amount)
}

// TxRequest describes a transaction to broadcast. Zero fields take the
// topology's defaults.
type TxRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int    `json:"amount"`
}

// NodeView is a read-only copy of one node.
type NodeView struct {
	Name   string        `json:"name"`
	State  NodeState     `json:"state"`
	Ledger []Transaction `json:"ledger"`
}

// View is a read-only copy of the whole network.
type View struct {
	Nodes   []NodeView   `json:"nodes"`
	TxCount int          `json:"txCount"`
	Synced  int          `json:"synced"`
	Busy    bool         `json:"busy"`
	Speed   script.Speed `json:"speed"`
}

// Option configures a Network.
type Option func(*Network)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(n *Network) { n.clock = c }
}

// WithSpeed sets the initial speed preset.
func WithSpeed(s script.Speed) Option {
	return func(n *Network) { n.speed = s }
}

type node struct {
	state  NodeState
	ledger []Transaction
}

type broadcast struct {
	tx      Transaction
	levels  [][]int
	level   int
	pending int
}

type command struct {
	apply func() error
	reply chan error
}

// Network owns node state on the goroutine running Run, the same way the
// timeline driver does.
type Network struct {
	logger    *zap.Logger
	clock     clockwork.Clock
	topo      *Topology
	observers timeline.Observers

	cmds    chan command
	done    chan struct{}
	running atomic.Bool
	latest  atomic.Pointer[timeline.Snapshot]

	delays  *timeline.Delays
	nodes   []node
	txCount int
	speed   script.Speed
	runID   string
	seq     uint64
	cur     *broadcast
}

// NewNetwork creates an idle network over topo.
func NewNetwork(logger *zap.Logger, topo *Topology, opts ...Option) (*Network, error) {
	n := &Network{
		logger: logger.Named("propagation"),
		clock:  clockwork.NewRealClock(),
		topo:   topo,
		cmds:   make(chan command),
		done:   make(chan struct{}),
		speed:  script.SpeedMedium,
	}
	for _, opt := range opts {
		opt(n)
	}
	if _, ok := topo.Speeds[n.speed]; !ok {
		return nil, fmt.Errorf("%w: %q", timeline.ErrInvalidSpeed, n.speed)
	}
	n.delays = timeline.NewDelays(n.clock, n.done)
	n.clear()
	return n, nil
}

// Run processes commands and elapsed delays until ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("network already running")
	}
	defer close(n.done)
	defer n.delays.CancelAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-n.cmds:
			cmd.reply <- cmd.apply()
		case tick := <-n.delays.C():
			if n.delays.Accept(tick) {
				n.onDelayElapsed(tick.Slot)
			}
		}
	}
}

// Subscribe registers o for every future snapshot.
func (n *Network) Subscribe(o timeline.Observer) (unsubscribe func()) {
	return n.observers.Add(o)
}

// Current returns the most recently emitted snapshot.
func (n *Network) Current() timeline.Snapshot {
	return *n.latest.Load()
}

// Broadcast sends a transaction from the topology's origin node.
func (n *Network) Broadcast(ctx context.Context, req TxRequest) (Transaction, error) {
	return n.BroadcastFrom(ctx, n.topo.Origin, req)
}

// BroadcastFrom sends a transaction from the named node. It returns once the
// origin has started receiving; the rest of the spread is reported through
// snapshots.
func (n *Network) BroadcastFrom(ctx context.Context, origin string, req TxRequest) (Transaction, error) {
	idx, ok := n.topo.index[origin]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %q", ErrUnknownNode, origin)
	}
	var tx Transaction
	err := n.do(ctx, func() error {
		if n.cur != nil {
			return ErrBroadcastInFlight
		}
		tx = n.newTransaction(req)
		n.cur = &broadcast{tx: tx, levels: n.topo.Levels(idx)}
		n.logger.Info("Broadcasting transaction.",
			zap.Int("tx", tx.ID), zap.String("origin", origin), zap.Int("depths", len(n.cur.levels)))
		n.startLevel()
		return nil
	})
	return tx, err
}

// Reset cancels every branch in flight and clears ledgers, node states and
// the transaction counter.
func (n *Network) Reset(ctx context.Context) error {
	return n.do(ctx, func() error {
		n.clear()
		return nil
	})
}

// SetSpeed switches the speed preset from the next delay on.
func (n *Network) SetSpeed(ctx context.Context, name string) error {
	sp, err := script.ParseSpeed(name)
	if err != nil {
		return fmt.Errorf("%w: %v", timeline.ErrInvalidSpeed, err)
	}
	if _, ok := n.topo.Speeds[sp]; !ok {
		return fmt.Errorf("%w: %q", timeline.ErrInvalidSpeed, name)
	}
	return n.do(ctx, func() error {
		n.speed = sp
		return nil
	})
}

// View copies out node states and ledgers.
func (n *Network) View(ctx context.Context) (View, error) {
	var v View
	err := n.do(ctx, func() error {
		v = View{TxCount: n.txCount, Busy: n.cur != nil, Speed: n.speed, Synced: n.synced()}
		for i, nd := range n.nodes {
			v.Nodes = append(v.Nodes, NodeView{
				Name:   n.topo.Nodes[i],
				State:  nd.state,
				Ledger: append([]Transaction(nil), nd.ledger...),
			})
		}
		return nil
	})
	return v, err
}

func (n *Network) do(ctx context.Context, fn func() error) error {
	c := command{apply: fn, reply: make(chan error, 1)}
	select {
	case n.cmds <- c:
	case <-n.done:
		return timeline.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.reply
}

func (n *Network) clear() {
	n.delays.CancelAll()
	n.nodes = make([]node, len(n.topo.Nodes))
	for i := range n.nodes {
		n.nodes[i].state = NodeIdle
	}
	n.txCount = 0
	n.cur = nil
	n.runID = uuid.NewString()

	s := n.base()
	s.SubPhase = script.PhaseIdle
	s.Label = "Idle"
	s.NarrativeText = "Send a transaction to watch it spread."
	n.emit(s)
}

func (n *Network) newTransaction(req TxRequest) Transaction {
	d := n.topo.Defaults
	if req.From == "" {
		req.From = d.From
	}
	if req.To == "" {
		req.To = d.To
	}
	if req.Amount <= 0 {
		req.Amount = d.Amount
	}
	n.txCount++
	return Transaction{
		ID:        n.txCount,
		UUID:      uuid.NewString(),
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		Timestamp: n.clock.Now(),
	}
}

func (n *Network) startLevel() {
	b := n.cur
	level := b.levels[b.level]
	b.pending = len(level)
	for _, idx := range level {
		n.receive(idx)
	}
}

func (n *Network) receive(idx int) {
	n.nodes[idx].state = NodeReceiving
	delay := n.topo.Speeds[n.speed].Duration(script.Beats{"propagate": 1})
	n.delays.After(idx, delay)

	name := n.topo.Nodes[idx]
	s := n.nodeSnapshot(idx, PhaseReceive)
	s.Label = name + " receiving..."
	s.NarrativeText = fmt.Sprintf("%s receives transaction %s.", name, n.cur.tx)
	s.Delay = delay
	n.emit(s)
}

func (n *Network) onDelayElapsed(idx int) {
	if n.cur == nil {
		return
	}
	switch n.nodes[idx].state {
	case NodeReceiving:
		n.appendTx(idx)
	case NodeSynced:
		n.synchronise(idx)
	}
}

func (n *Network) appendTx(idx int) {
	nd := &n.nodes[idx]
	tx := n.cur.tx
	held := false
	for _, have := range nd.ledger {
		if have.UUID == tx.UUID {
			held = true
			break
		}
	}
	if !held {
		nd.ledger = append(nd.ledger, tx)
	}
	nd.state = NodeSynced
	delay := n.topo.Speeds[n.speed].Duration(script.Beats{"sync": 1})
	n.delays.After(idx, delay)

	name := n.topo.Nodes[idx]
	s := n.nodeSnapshot(idx, PhaseAppend)
	s.Label = name + " synced"
	s.NarrativeText = fmt.Sprintf("%s appends transaction #%d to its ledger.", name, tx.ID)
	s.Delay = delay
	n.emit(s)
}

func (n *Network) synchronise(idx int) {
	name := n.topo.Nodes[idx]
	s := n.nodeSnapshot(idx, PhaseSync)
	s.Label = name + " relaying"
	s.NarrativeText = fmt.Sprintf("%s passes the transaction to its neighbours.", name)
	n.emit(s)

	b := n.cur
	b.pending--
	if b.pending > 0 {
		return
	}
	b.level++
	if b.level < len(b.levels) {
		n.startLevel()
		return
	}
	n.finish()
}

func (n *Network) finish() {
	tx := n.cur.tx
	s := n.base()
	s.StepIndex = s.StepCount
	n.cur = nil

	s.SubPhase = script.PhaseComplete
	s.Label = "Synchronized"
	s.NarrativeText = fmt.Sprintf("Transaction #%d reached %d of %d nodes.", tx.ID, n.synced(), len(n.nodes))
	s.Payload = map[string]string{
		"result": "Synchronized",
		"tx":     tx.String(),
		"synced": fmt.Sprint(n.synced()),
	}
	s.IsTerminal = true
	n.emit(s)
	n.logger.Info("Transaction synchronized.", zap.Int("tx", tx.ID), zap.Int("synced", n.synced()))
}

func (n *Network) synced() int {
	c := 0
	for _, nd := range n.nodes {
		if nd.state == NodeSynced {
			c++
		}
	}
	return c
}

func (n *Network) base() timeline.Snapshot {
	s := timeline.Snapshot{ScenarioID: ScenarioID, Speed: n.speed}
	if n.cur != nil {
		s.StepIndex = n.cur.level
		s.StepCount = len(n.cur.levels)
	}
	return s
}

func (n *Network) nodeSnapshot(idx int, phase string) timeline.Snapshot {
	nd := n.nodes[idx]
	s := n.base()
	s.SubPhase = phase
	s.Payload = map[string]string{
		"node":     n.topo.Nodes[idx],
		"state":    string(nd.state),
		"tx":       n.cur.tx.String(),
		"ledger":   fmt.Sprint(len(nd.ledger)),
		"synced":   fmt.Sprint(n.synced()),
		"tx_count": fmt.Sprint(n.txCount),
	}
	return s
}

func (n *Network) emit(s timeline.Snapshot) {
	n.seq++
	s.Seq = n.seq
	s.RunID = n.runID
	s.Timestamp = n.clock.Now()

	published := s
	n.latest.Store(&published)
	n.logger.Debug("Snapshot emitted.",
		zap.String("sub_phase", s.SubPhase), zap.String("label", s.Label), zap.Uint64("seq", s.Seq))
	n.observers.Notify(s)
}
