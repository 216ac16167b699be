// Package driver runs Cord's top-level loop: it seeds the root goal,
// repeatedly ticks the scheduler against the store, launches ready nodes'
// subprocesses through the supervisor, binds each a tool server, drives
// synthesis when a node's children all finish, and detects termination.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corddev/cord/internal/engineconfig"
	"github.com/corddev/cord/internal/prompt"
	"github.com/corddev/cord/internal/scheduler"
	"github.com/corddev/cord/internal/store"
	"github.com/corddev/cord/internal/supervisor"
	"github.com/corddev/cord/internal/toolserver"
)

// HumanAsk is a pending `ask target=human` waiting on operator input. The
// driver sends one on AskChan when the scheduler reports an ask node
// targeting the human as ready; the caller replies via Answer or lets it
// time out.
type HumanAsk struct {
	NodeID   int64
	Question string
	Answer   chan<- string
}

// Driver owns the running engine for a single store: the seed goal,
// scheduler ticks, subprocess launches, and termination detection.
type Driver struct {
	st  *store.Store
	sv  *supervisor.Supervisor
	log *slog.Logger

	tickInterval time.Duration
	humanAskTTL  time.Duration
	asks         chan HumanAsk

	cfgMu sync.RWMutex
	cfg   engineconfig.Config

	mu      sync.Mutex
	servers map[int64]context.CancelFunc
}

// New builds a Driver over an already-open store.
func New(st *store.Store, cfg engineconfig.Config, log *slog.Logger) *Driver {
	return &Driver{
		st:           st,
		cfg:          cfg,
		sv:           supervisor.New(log, cfg.Agent.MaxConcurrent, cfg.Agent.LogDir),
		log:          log,
		tickInterval: 200 * time.Millisecond,
		humanAskTTL:  10 * time.Minute,
		asks:         make(chan HumanAsk, 16),
		servers:      map[int64]context.CancelFunc{},
	}
}

// AskChan exposes pending human-ask requests for a CLI or UI to consume.
func (d *Driver) AskChan() <-chan HumanAsk {
	return d.asks
}

// UpdateConfig swaps in a freshly loaded config, picked up by the next
// scheduler tick and the next subprocess launch. It lets a caller wire
// engineconfig.Watcher's hot-reload into a Driver that's already running.
// The supervisor's concurrency semaphore is sized once at construction, so
// a changed MaxConcurrent only narrows or widens the scheduler's per-tick
// launch budget; it cannot grow the ceiling the supervisor itself enforces.
func (d *Driver) UpdateConfig(cfg engineconfig.Config) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Driver) config() engineconfig.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Run seeds the root goal if the store is empty, reconciles any nodes
// orphaned by a previous crash, then loops scheduler ticks until the tree
// reaches a terminal status. It returns the finished root node.
func (d *Driver) Run(ctx context.Context, goal, initialPrompt string) (*store.Node, error) {
	if _, err := d.st.ReconcileOrphans(ctx); err != nil {
		return nil, fmt.Errorf("reconcile orphans: %w", err)
	}

	root, err := d.seedRoot(ctx, goal, initialPrompt)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			done, err := d.step(ctx)
			if err != nil {
				return nil, err
			}
			if done {
				d.shutdownStragglers()
				return d.st.GetNode(ctx, root.ID)
			}
		}
	}
}

// seedRoot loads the existing root if the store already has one (a resumed
// run), or creates it from goal/prompt otherwise. Either way the root is
// left pending: it has no parent to gate it, so the very next scheduler
// tick's ordinary ready-set launch picks it up exactly like any other node.
func (d *Driver) seedRoot(ctx context.Context, goal, initialPrompt string) (*store.Node, error) {
	snap, err := d.st.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.RootID != 0 {
		return snap.Nodes[snap.RootID], nil
	}
	return d.st.CreateRoot(ctx, goal, initialPrompt, store.ReturnsText)
}

// step runs one scheduler tick: launch newly-ready nodes, reap finished
// subprocesses, drive synthesis for nodes whose children all finished, and
// report whether the whole tree has terminated.
func (d *Driver) step(ctx context.Context) (bool, error) {
	snap, err := d.st.Snapshot(ctx)
	if err != nil {
		return false, err
	}

	running := d.runningCount()
	tick := scheduler.Evaluate(snap, running, d.config().Agent.MaxConcurrent)

	// Fan the tick's three independent buckets out concurrently: launching
	// one ready node never needs to wait on another, and a human-ask
	// delivery or a synthesis relaunch is likewise unrelated to its
	// siblings. Each goroutine logs and swallows its own error rather than
	// returning it, so one failed launch never aborts the rest of the tick
	// (errgroup here is just a WaitGroup with per-call isolation, not a
	// fail-fast pipeline).
	var g errgroup.Group
	for _, n := range tick.Ready {
		n := n
		g.Go(func() error {
			if err := d.launchOrdinary(ctx, snap, n); err != nil {
				d.log.Error("launch failed", "node_id", n.ID, "error", err)
			}
			return nil
		})
	}
	for _, n := range tick.ReadyHumanAsks {
		n := n
		g.Go(func() error {
			if err := d.deliverHumanAsk(ctx, n); err != nil {
				d.log.Error("human ask delivery failed", "node_id", n.ID, "error", err)
			}
			return nil
		})
	}
	for _, n := range tick.SynthesisDue {
		n := n
		g.Go(func() error {
			if err := d.launchSynthesis(ctx, snap, n); err != nil {
				d.log.Error("synthesis launch failed", "node_id", n.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	d.signalExternallyStopped(snap)
	d.reapFinished(ctx)

	return tick.Terminated, nil
}

// shutdownStragglers signals and forgets every subprocess still tracked once
// the root has reached a terminal status. The root can only terminate through
// its own subtree finishing, so anything left here is an orphaned branch (a
// completed parent's never-launched descendants hold no process, but a raced
// launch can); Run must not leave it running after it returns.
func (d *Driver) shutdownStragglers() {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.servers))
	for id, cancel := range d.servers {
		cancel()
		ids = append(ids, id)
	}
	d.servers = map[int64]context.CancelFunc{}
	d.mu.Unlock()

	for _, id := range ids {
		d.sv.Stop(id)
		d.sv.Forget(id)
	}
}

// signalExternallyStopped delivers a terminate signal to any subprocess
// whose node moved to cancelled or paused through a stop/pause tool call
// rather than through the driver's own reap path. The tool server only
// transitions the node's status in the store (it holds no process
// handle); it is the driver's job, on the very next tick, to notice the
// mismatch between "store says cancelled/paused" and "supervisor still has
// it running" and cascade the signal. reapFinished then cleans up
// bookkeeping once the killed process actually exits.
func (d *Driver) signalExternallyStopped(snap *store.Snapshot) {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.servers))
	for id := range d.servers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		node, ok := snap.Nodes[id]
		if !ok {
			continue
		}
		if node.Status == store.StatusCancelled || node.Status == store.StatusPaused {
			d.sv.Stop(id)
		}
	}
}

func (d *Driver) runningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.servers)
}

func (d *Driver) launchOrdinary(ctx context.Context, snap *store.Snapshot, n *store.Node) error {
	if _, err := d.st.Transition(ctx, n.ID, store.StatusPending, store.StatusActive, nil); err != nil {
		return err
	}
	return d.launch(ctx, n.ID, false)
}

func (d *Driver) launchSynthesis(ctx context.Context, snap *store.Snapshot, n *store.Node) error {
	if err := d.st.MarkSynthesized(ctx, n.ID); err != nil {
		return err
	}
	return d.launch(ctx, n.ID, true)
}

func (d *Driver) launch(ctx context.Context, nodeID int64, synthesis bool) error {
	cfg := d.config()
	socketPath := filepath.Join(cfg.Agent.SocketDir, fmt.Sprintf("cord-node-%d.sock", nodeID))

	srv := toolserver.New(d.st, nodeID, socketPath, d.log)
	srv.OnAsk(d.handleAsk)
	srv.OnCreate(d.handleCreate)

	srvCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.servers[nodeID] = cancel
	d.mu.Unlock()

	go func() {
		if err := srv.Serve(srvCtx); err != nil {
			d.log.Error("tool server exited", "node_id", nodeID, "error", err)
		}
	}()

	// The node is already active by the time launch runs, so any failure
	// from here on must undo the bookkeeping and mark it failed: no
	// subprocess was ever tracked for it, which means reapFinished would
	// never reap it and the node would sit active forever, holding a
	// concurrency slot and blocking the tree's termination.
	fail := func(err error) error {
		cancel()
		d.mu.Lock()
		delete(d.servers, nodeID)
		d.mu.Unlock()
		if _, terr := d.st.Transition(ctx, nodeID, store.StatusActive, store.StatusFailed, nil); terr != nil {
			d.log.Error("failed to mark unlaunchable node", "node_id", nodeID, "error", terr)
		}
		return err
	}

	snap, err := d.st.Snapshot(ctx)
	if err != nil {
		return fail(err)
	}

	promptCtx := prompt.Context{NodeID: nodeID, SocketPath: socketPath}
	var text string
	if synthesis {
		text, err = prompt.AssembleSynthesis(snap, promptCtx)
	} else {
		text, err = prompt.Assemble(snap, promptCtx)
	}
	if err != nil {
		return fail(err)
	}

	env := append(os.Environ(),
		"CORD_NODE_ID="+fmt.Sprint(nodeID),
		"CORD_SOCKET="+socketPath,
		"CORD_PROMPT="+text,
		"CORD_MODEL="+cfg.Agent.Model,
		"CORD_RUNTIME="+cfg.Agent.Runtime,
		"CORD_BUDGET_USD="+fmt.Sprintf("%g", cfg.Agent.BudgetUSD),
	)

	if err := d.sv.Launch(ctx, supervisor.Spec{
		NodeID:  nodeID,
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Env:     env,
	}); err != nil {
		return fail(err)
	}
	return nil
}

// reapFinished checks every tracked subprocess for completion, closes its
// tool server, and marks the corresponding node terminal if the agent
// exited without calling complete itself.
func (d *Driver) reapFinished(ctx context.Context) {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.servers))
	for id := range d.servers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		result, ok := d.sv.Done(id)
		if !ok {
			continue
		}
		d.mu.Lock()
		if cancel, exists := d.servers[id]; exists {
			cancel()
			delete(d.servers, id)
		}
		d.mu.Unlock()
		d.sv.Forget(id)

		node, err := d.st.GetNode(ctx, id)
		if err != nil || node.Status != store.StatusActive {
			// Already complete (agent called the tool itself) or moved to
			// paused/cancelled by an explicit stop/pause that raced the exit:
			// nothing left for the implicit-completion fallback to do.
			continue
		}
		if result.ExitCode != 0 {
			// A result may only accompany active -> complete; the diagnostic
			// goes to the log instead of the node's (forever-nil) result.
			if _, err := d.st.Transition(ctx, id, store.StatusActive, store.StatusFailed, nil); err != nil {
				d.log.Error("failed to mark crashed node", "node_id", id, "error", err)
			}
			d.log.Warn("subprocess failed", "node_id", id, "exit_code", result.ExitCode, "stderr", result.Stderr)
			continue
		}
		stdout := strings.TrimSpace(result.Stdout)
		if stdout != "" {
			if _, err := d.st.Transition(ctx, id, store.StatusActive, store.StatusComplete, &stdout); err != nil {
				d.log.Error("failed to apply implicit completion", "node_id", id, "error", err)
			}
		}
		// Exit 0 with empty stdout and no explicit complete call: this is
		// the decompose phase of a parent that only created children and
		// did not itself finish. The node stays active until every child
		// reaches a terminal status and synthesisDue picks it up.
	}
}

// handleCreate is the tool server's OnCreate hook: every agent-initiated
// `create` call passes through here before reaching the store, so the
// engine-wide node budget (guarding against a buggy or adversarial agent
// spinning up an unbounded tree) is enforced on it. Ask calls do not pass
// through here; handleAsk applies the same checkNodeBudget itself.
func (d *Driver) handleCreate(ctx context.Context, parentID int64, input store.CreateChildInput) (*store.Node, error) {
	if err := d.checkNodeBudget(ctx, parentID); err != nil {
		return nil, err
	}
	return d.st.CreateChild(ctx, input)
}

// checkNodeBudget rejects node creation once the tree has reached
// Budget.MaxNodes. A MaxNodes of zero or less means no cap; a config file
// without a budget section keeps Default()'s MaxNodes.
func (d *Driver) checkNodeBudget(ctx context.Context, callerID int64) error {
	maxNodes := d.config().Budget.MaxNodes
	if maxNodes <= 0 {
		return nil
	}
	snap, err := d.st.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(snap.Nodes) >= maxNodes {
		return &store.Error{Kind: store.ErrBudgetExceeded, NodeID: callerID, HasNode: true, Message: fmt.Sprintf("node budget of %d reached", maxNodes)}
	}
	return nil
}

// handleAsk processes an ask RPC from a running node. It only creates the
// ask node; routing a target=human node to the operator happens later, when
// the scheduler reports it in a tick's ReadyHumanAsks (see deliverHumanAsk),
// so routing is decided at ready-set processing time rather than at creation
// time. Options/Default are folded into the ask node's prompt as framing
// only; Cord never validates a reply against them. TimeoutSeconds is
// accepted for forward compatibility with the wire protocol but is not yet
// honored per-ask; every human ask currently waits up to the driver's
// configured humanAskTTL.
func (d *Driver) handleAsk(ctx context.Context, nodeID int64, ask toolserver.AskParams) (int64, error) {
	if err := d.checkNodeBudget(ctx, nodeID); err != nil {
		return 0, err
	}
	target := store.AskTarget(ask.Target)
	parentID := nodeID
	if target == store.AskTargetParent {
		caller, err := d.st.GetNode(ctx, nodeID)
		if err != nil {
			return 0, err
		}
		if caller.ParentID == nil {
			return 0, &store.Error{Kind: store.ErrAuthorityDenied, NodeID: nodeID, HasNode: true, Message: "root has no parent to escalate to"}
		}
		parentID = *caller.ParentID
	}

	askNode, err := d.st.CreateChild(ctx, store.CreateChildInput{
		ParentID:  parentID,
		Kind:      store.KindAsk,
		Goal:      ask.Question,
		Prompt:    formatAskFraming(ask),
		Returns:   store.ReturnsText,
		AskTarget: &target,
	})
	if err != nil {
		return 0, err
	}
	return askNode.ID, nil
}

// formatAskFraming renders an ask's options/default as prompt text for the
// node that will eventually answer it; it is advisory, never validated.
func formatAskFraming(ask toolserver.AskParams) string {
	if len(ask.Options) == 0 && ask.Default == "" {
		return ""
	}
	var b strings.Builder
	if len(ask.Options) > 0 {
		fmt.Fprintf(&b, "Options: %s\n", strings.Join(ask.Options, ", "))
	}
	if ask.Default != "" {
		fmt.Fprintf(&b, "Default: %s\n", ask.Default)
	}
	return b.String()
}

// deliverHumanAsk activates a ready ask-human node and hands it to the
// operator-facing channel instead of launching a subprocess for it, per the
// scheduler's ReadyHumanAsks split.
func (d *Driver) deliverHumanAsk(ctx context.Context, n *store.Node) error {
	if _, err := d.st.Transition(ctx, n.ID, store.StatusPending, store.StatusActive, nil); err != nil {
		return err
	}

	answer := make(chan string, 1)
	select {
	case d.asks <- HumanAsk{NodeID: n.ID, Question: n.Goal, Answer: answer}:
	case <-ctx.Done():
		return ctx.Err()
	}

	go d.awaitHumanAnswer(n.ID, answer)
	return nil
}

func (d *Driver) awaitHumanAnswer(nodeID int64, answer <-chan string) {
	ctx := context.Background()
	select {
	case reply, ok := <-answer:
		if !ok {
			d.timeoutAsk(ctx, nodeID)
			return
		}
		if _, err := d.st.Transition(ctx, nodeID, store.StatusActive, store.StatusComplete, &reply); err != nil {
			d.log.Error("complete ask node", "node_id", nodeID, "error", err)
		}
	case <-time.After(d.humanAskTTL):
		d.timeoutAsk(ctx, nodeID)
	}
}

func (d *Driver) timeoutAsk(ctx context.Context, nodeID int64) {
	sentinel := store.AskTimeoutSentinel
	if _, err := d.st.Transition(ctx, nodeID, store.StatusActive, store.StatusComplete, &sentinel); err != nil {
		d.log.Error("resolve timed-out ask node", "node_id", nodeID, "error", err)
	}
}
