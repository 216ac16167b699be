// Package scheduler computes, from a single tree snapshot, which nodes are
// ready to launch, which active nodes' children have all finished and so
// are due for synthesis, and whether the whole tree has terminated. It
// holds no state of its own: every call is a pure function of the Snapshot
// it is given.
package scheduler

import (
	"sort"

	"github.com/corddev/cord/internal/store"
)

// Tick is the result of evaluating one scheduler pass over a Snapshot.
type Tick struct {
	Ready          []*store.Node // pending nodes whose needs are satisfied and whose parent is active: launch a subprocess
	ReadyHumanAsks []*store.Node // ready ask nodes targeting a human: deliver to the human-input channel, no subprocess
	SynthesisDue   []*store.Node // active nodes whose children have all reached a terminal status
	Terminated     bool          // the whole tree has reached a terminal status
	RootStatus     store.Status
}

// Evaluate derives a Tick from snap. maxConcurrent bounds how many of the
// ready nodes are actually launchable this tick, given runningCount nodes
// already active with a live subprocess; Ready is truncated to that budget,
// lowest node id first, so launch order is deterministic. ReadyHumanAsks is
// never subject to the concurrency budget: routing a question to a human
// never occupies an agent-process slot.
func Evaluate(snap *store.Snapshot, runningCount, maxConcurrent int) Tick {
	root := snap.Nodes[snap.RootID]
	tick := Tick{}
	if root != nil {
		tick.RootStatus = root.Status
		tick.Terminated = root.Status.IsTerminal()
	}

	ready, humanAsks := readySet(snap)
	budget := maxConcurrent - runningCount
	if budget < 0 {
		budget = 0
	}
	if budget < len(ready) {
		ready = ready[:budget]
	}
	tick.Ready = ready
	tick.ReadyHumanAsks = humanAsks

	tick.SynthesisDue = synthesisDue(snap)

	return tick
}

// isHumanAsk reports whether n is an ask node targeting a human: the
// scheduler routes these to the driver's human-input channel instead of
// launching a subprocess for them.
func isHumanAsk(n *store.Node) bool {
	return n.Kind == store.KindAsk && n.AskTarget != nil && *n.AskTarget == store.AskTargetHuman
}

func readySet(snap *store.Snapshot) (ready, humanAsks []*store.Node) {
	for _, n := range snap.Nodes {
		if n.Status != store.StatusPending {
			continue
		}
		if n.ParentID != nil {
			parent := snap.Nodes[*n.ParentID]
			if parent == nil || parent.Status != store.StatusActive {
				continue
			}
		}
		if !needsSatisfied(snap, n.ID) {
			continue
		}
		if isHumanAsk(n) {
			humanAsks = append(humanAsks, n)
		} else {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	sort.Slice(humanAsks, func(i, j int) bool { return humanAsks[i].ID < humanAsks[j].ID })
	return ready, humanAsks
}

func needsSatisfied(snap *store.Snapshot, nodeID int64) bool {
	for _, needID := range snap.NeedsOf[nodeID] {
		need := snap.Nodes[needID]
		if need == nil || need.Status != store.StatusComplete {
			return false
		}
	}
	return true
}

// synthesisDue finds every active, not yet synthesized node that has at
// least one child and whose children have all reached complete/failed/
// cancelled. A leaf that is itself active is not synthesis-due, since
// synthesis is the act of folding finished children into a result.
func synthesisDue(snap *store.Snapshot) []*store.Node {
	var due []*store.Node
	for _, n := range snap.Nodes {
		if n.Status != store.StatusActive || n.Synthesized {
			continue
		}
		kids := snap.ChildrenOf[n.ID]
		if len(kids) == 0 {
			continue
		}
		allTerminal := true
		for _, kidID := range kids {
			kid := snap.Nodes[kidID]
			if kid == nil || !kid.Status.IsTerminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}
