package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corddev/cord/internal/store"
)

func node(id int64, parentID *int64, status store.Status) *store.Node {
	return &store.Node{ID: id, ParentID: parentID, Status: status, Kind: store.KindTask}
}

func ptr(id int64) *int64 { return &id }

func TestEvaluateReadyRequiresActiveParent(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	child := node(2, ptr(1), store.StatusPending)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: child},
		ChildrenOf: map[int64][]int64{1: {2}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	require.Len(t, tick.Ready, 1)
	assert.Equal(t, int64(2), tick.Ready[0].ID)
}

func TestEvaluateReadyExcludesPendingParent(t *testing.T) {
	root := node(1, nil, store.StatusPending)
	child := node(2, ptr(1), store.StatusPending)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: child},
		ChildrenOf: map[int64][]int64{1: {2}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	// The parentless root has no parent gate and is itself ready; its child
	// is not, since the root is still pending.
	tick := Evaluate(snap, 0, 10)
	require.Len(t, tick.Ready, 1)
	assert.Equal(t, int64(1), tick.Ready[0].ID)
}

func TestEvaluateReadyExcludesUnsatisfiedNeeds(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	blocker := node(2, ptr(1), store.StatusActive)
	blocked := node(3, ptr(1), store.StatusPending)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: blocker, 3: blocked},
		ChildrenOf: map[int64][]int64{1: {2, 3}},
		NeedsOf:    map[int64][]int64{3: {2}},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	assert.Empty(t, tick.Ready)

	snap.Nodes[2].Status = store.StatusComplete
	tick = Evaluate(snap, 0, 10)
	require.Len(t, tick.Ready, 1)
	assert.Equal(t, int64(3), tick.Ready[0].ID)
}

func TestEvaluateTruncatesToConcurrencyBudget(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	a := node(2, ptr(1), store.StatusPending)
	b := node(3, ptr(1), store.StatusPending)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: a, 3: b},
		ChildrenOf: map[int64][]int64{1: {2, 3}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 1, 2)
	require.Len(t, tick.Ready, 1)
	assert.Equal(t, int64(2), tick.Ready[0].ID)

	tick = Evaluate(snap, 2, 2)
	assert.Empty(t, tick.Ready)
}

func TestEvaluateSynthesisDueWhenAllChildrenTerminal(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	a := node(2, ptr(1), store.StatusComplete)
	b := node(3, ptr(1), store.StatusFailed)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: a, 3: b},
		ChildrenOf: map[int64][]int64{1: {2, 3}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	require.Len(t, tick.SynthesisDue, 1)
	assert.Equal(t, int64(1), tick.SynthesisDue[0].ID)
}

func TestEvaluateNotSynthesisDueWithActiveChild(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	a := node(2, ptr(1), store.StatusActive)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: a},
		ChildrenOf: map[int64][]int64{1: {2}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	assert.Empty(t, tick.SynthesisDue)
}

func TestEvaluateAlreadySynthesizedNodeIsNotDueAgain(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	root.Synthesized = true
	a := node(2, ptr(1), store.StatusComplete)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: a},
		ChildrenOf: map[int64][]int64{1: {2}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	assert.Empty(t, tick.SynthesisDue)
}

func askNode(id int64, parentID *int64, target store.AskTarget) *store.Node {
	return &store.Node{ID: id, ParentID: parentID, Status: store.StatusPending, Kind: store.KindAsk, AskTarget: &target}
}

func TestEvaluateSplitsHumanAsksFromOrdinaryReady(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	task := node(2, ptr(1), store.StatusPending)
	ask := askNode(3, ptr(1), store.AskTargetHuman)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: task, 3: ask},
		ChildrenOf: map[int64][]int64{1: {2, 3}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	require.Len(t, tick.Ready, 1)
	assert.Equal(t, int64(2), tick.Ready[0].ID)
	require.Len(t, tick.ReadyHumanAsks, 1)
	assert.Equal(t, int64(3), tick.ReadyHumanAsks[0].ID)
}

func TestEvaluateHumanAsksExemptFromConcurrencyBudget(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	ask := askNode(2, ptr(1), store.AskTargetHuman)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: ask},
		ChildrenOf: map[int64][]int64{1: {2}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	// budget is already exhausted (runningCount == maxConcurrent), which
	// would truncate Ready to zero, but a human ask never occupies a slot.
	tick := Evaluate(snap, 10, 10)
	assert.Empty(t, tick.Ready)
	require.Len(t, tick.ReadyHumanAsks, 1)
}

func TestEvaluateAskTargetingParentOrChildrenIsOrdinaryReady(t *testing.T) {
	root := node(1, nil, store.StatusActive)
	ask := askNode(2, ptr(1), store.AskTargetChildren)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root, 2: ask},
		ChildrenOf: map[int64][]int64{1: {2}},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	require.Len(t, tick.Ready, 1)
	assert.Empty(t, tick.ReadyHumanAsks)
}

func TestEvaluateTerminatedReflectsRootStatus(t *testing.T) {
	root := node(1, nil, store.StatusComplete)
	snap := &store.Snapshot{
		Nodes:      map[int64]*store.Node{1: root},
		ChildrenOf: map[int64][]int64{},
		NeedsOf:    map[int64][]int64{},
		RootID:     1,
	}

	tick := Evaluate(snap, 0, 10)
	assert.True(t, tick.Terminated)
	assert.Equal(t, store.StatusComplete, tick.RootStatus)
}
