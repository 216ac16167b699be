// Package supervisor launches, signals, and reaps the OS processes that run
// each active node's agent subprocess. It has no view of the node tree:
// every call names a single node id, and cascading a stop down a subtree is
// done by the tool server and the driver.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"
)

// Spec describes a subprocess to launch for a node.
type Spec struct {
	NodeID  int64
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Result is the outcome of a finished subprocess.
type Result struct {
	NodeID   int64
	ExitCode int
	Err      error
	Stdout   string
	Stderr   string
	Started  time.Time
	Ended    time.Time
}

const maxCapturedOutput = 1 << 20 // 1MiB per stream, matching the exec manager's capture ceiling

// termGrace is how long Stop waits after delivering SIGTERM before
// escalating to SIGKILL, matching the sandbox VM's SIGTERM-then-SIGKILL
// shutdown pattern.
const termGrace = 5 * time.Second

// process tracks one in-flight subprocess. The done channel is the single
// source of truth for "has this process finished," mirroring how a
// context's Done channel works: select on it instead of polling.
type process struct {
	nodeID  int64
	cmd     *exec.Cmd
	stdout  *limitedBuffer
	stderr  *limitedBuffer
	started time.Time
	done    chan struct{}
	result  Result
	logger  hclog.Logger
	logFile *os.File
}

// Supervisor tracks every subprocess it has launched, keyed by node id.
type Supervisor struct {
	log    *slog.Logger
	logDir string

	mu        sync.Mutex
	processes map[int64]*process
	sem       *semaphore.Weighted // bounds concurrently-running subprocesses
}

// New creates a Supervisor that allows at most maxConcurrent subprocesses
// running at once; further launches block in Launch until a slot frees.
// logDir, if non-empty, receives one append-only log file per launched node
// (cord-node-<id>.log); an empty logDir still bridges every agent's
// lifecycle events into log through slog alone.
func New(log *slog.Logger, maxConcurrent int, logDir string) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Supervisor{
		log:       log,
		logDir:    logDir,
		processes: map[int64]*process{},
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Launch starts spec's command and returns immediately; the caller learns
// of completion via Wait or Done. ctx cancellation kills the subprocess.
func (sv *Supervisor) Launch(ctx context.Context, spec Spec) error {
	if err := sv.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// The agent runs in its own process group, so Stop's signals also reach
	// any processes it spawned, which would otherwise hold the output pipes
	// open and keep Wait from returning.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newLimitedBuffer(maxCapturedOutput)
	stderr := newLimitedBuffer(maxCapturedOutput)
	logger, logFile := sv.newAgentLogger(spec.NodeID)
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, logWriter{logger})

	proc := &process{
		nodeID:  spec.NodeID,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		started: time.Now(),
		done:    make(chan struct{}),
		logger:  logger,
		logFile: logFile,
	}

	if err := cmd.Start(); err != nil {
		sv.sem.Release(1)
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("start node %d: %w", spec.NodeID, err)
	}
	logger.Info("subprocess started", "pid", cmd.Process.Pid)

	sv.mu.Lock()
	sv.processes[spec.NodeID] = proc
	sv.mu.Unlock()

	go sv.await(proc)
	return nil
}

func (sv *Supervisor) await(proc *process) {
	defer sv.sem.Release(1)
	err := proc.cmd.Wait()
	proc.result = Result{
		NodeID:   proc.nodeID,
		ExitCode: exitCode(err),
		Err:      err,
		Stdout:   proc.stdout.String(),
		Stderr:   proc.stderr.String(),
		Started:  proc.started,
		Ended:    time.Now(),
	}
	close(proc.done)
	if proc.result.ExitCode == 0 {
		proc.logger.Info("subprocess exited", "exit_code", proc.result.ExitCode)
	} else {
		proc.logger.Warn("subprocess exited", "exit_code", proc.result.ExitCode, "error", err)
	}
	if proc.logFile != nil {
		_ = proc.logFile.Close()
	}
	sv.log.Debug("subprocess exited", "node_id", proc.nodeID, "exit_code", proc.result.ExitCode)
}

// newAgentLogger builds the per-node hclog.Logger used for an agent
// subprocess's lifecycle events and streamed stderr, named so an operator
// tailing logs can filter by node. It always bridges into the engine's
// slog tree via slogSink; when logDir is set it additionally tees to a
// per-node file, matching the filesystem-locations-keyed-by-node-id
// layout the engine uses for tool-server sockets.
func (sv *Supervisor) newAgentLogger(nodeID int64) (hclog.Logger, *os.File) {
	var out io.Writer = &slogSink{log: sv.log, nodeID: nodeID}
	var f *os.File
	if sv.logDir != "" {
		path := filepath.Join(sv.logDir, fmt.Sprintf("cord-node-%d.log", nodeID))
		if opened, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			f = opened
			out = io.MultiWriter(out, f)
		} else {
			sv.log.Warn("could not open per-node agent log file", "node_id", nodeID, "path", path, "error", err)
		}
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   fmt.Sprintf("agent.%d", nodeID),
		Level:  hclog.Debug,
		Output: out,
	})
	return logger, f
}

// slogSink adapts hclog's io.Writer-based Output to the engine's slog
// tree, so every hclog line an agent subprocess produces also shows up in
// Cord's own structured logs rather than only in a file on disk.
type slogSink struct {
	log    *slog.Logger
	nodeID int64
}

func (s *slogSink) Write(p []byte) (int, error) {
	if line := strings.TrimRight(string(p), "\n"); line != "" {
		s.log.Info(line, "node_id", s.nodeID, "source", "agent")
	}
	return len(p), nil
}

// logWriter lets a raw byte stream (an agent's captured stderr) be tee'd
// into an hclog.Logger line by line via Debug, without hclog's own
// leveled API getting in the way of Launch's io.MultiWriter plumbing.
type logWriter struct {
	logger hclog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug(line)
		}
	}
	return len(p), nil
}

// Wait blocks until the subprocess for nodeID finishes or ctx is cancelled,
// then returns its Result.
func (sv *Supervisor) Wait(ctx context.Context, nodeID int64) (Result, error) {
	sv.mu.Lock()
	proc, ok := sv.processes[nodeID]
	sv.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("no subprocess tracked for node %d", nodeID)
	}
	select {
	case <-proc.done:
		return proc.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done reports whether nodeID's subprocess has finished, and its Result if
// so, without blocking.
func (sv *Supervisor) Done(nodeID int64) (Result, bool) {
	sv.mu.Lock()
	proc, ok := sv.processes[nodeID]
	sv.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	select {
	case <-proc.done:
		return proc.result, true
	default:
		return Result{}, false
	}
}

// Stop delivers a terminate signal (SIGTERM) to nodeID's subprocess and its
// process group if it is still running, giving the agent a chance at
// graceful shutdown; it escalates to SIGKILL only if the process has not
// exited after termGrace. It is idempotent: calling it on a finished or
// unknown node is a no-op.
func (sv *Supervisor) Stop(nodeID int64) {
	sv.mu.Lock()
	proc, ok := sv.processes[nodeID]
	sv.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-proc.done:
		return
	default:
	}
	if proc.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		_ = proc.cmd.Process.Kill()
		return
	}
	go sv.killAfterGrace(proc)
}

// killAfterGrace escalates to SIGKILL if proc has not exited termGrace
// after Stop delivered SIGTERM.
func (sv *Supervisor) killAfterGrace(proc *process) {
	select {
	case <-proc.done:
		return
	case <-time.After(termGrace):
	}
	select {
	case <-proc.done:
		return
	default:
		if proc.cmd.Process != nil {
			_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}

// Forget drops bookkeeping for a finished node, freeing its Result.
func (sv *Supervisor) Forget(nodeID int64) {
	sv.mu.Lock()
	delete(sv.processes, nodeID)
	sv.mu.Unlock()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured subprocess output at max bytes, discarding
// anything past it rather than growing without bound.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
