package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/corddev/cord/internal/store"
)

// Server is a tool server bound to a single node's socket. A node's agent
// subprocess connects to exactly one Server instance, identified by the
// node's id, for the lifetime of its run.
type Server struct {
	st       *store.Store
	nodeID   int64
	log      *slog.Logger
	socket   string
	listener net.Listener

	onAsk    func(ctx context.Context, nodeID int64, ask AskParams) (int64, error)
	onCreate func(ctx context.Context, parentID int64, child store.CreateChildInput) (*store.Node, error)
}

// New binds a Server for nodeID at socketPath. Hooks for create and ask
// calls are installed separately with OnCreate/OnAsk.
func New(st *store.Store, nodeID int64, socketPath string, log *slog.Logger) *Server {
	return &Server{
		st:     st,
		nodeID: nodeID,
		log:    log.With("node_id", nodeID),
		socket: socketPath,
	}
}

// OnCreate/OnAsk install hooks that perform the store mutation on the
// driver's behalf instead of the server's own default path, so the driver
// can apply engine-level policy (the node budget, ask routing) before a
// create or ask call ever reaches the store. Neither is required: with no
// hook installed, create falls back to an unconditional st.CreateChild and
// ask simply errors, since ask has no meaning without somewhere to route it.
func (s *Server) OnCreate(fn func(ctx context.Context, parentID int64, child store.CreateChildInput) (*store.Node, error)) {
	s.onCreate = fn
}

func (s *Server) OnAsk(fn func(ctx context.Context, nodeID int64, ask AskParams) (int64, error)) {
	s.onAsk = fn
}

// Serve listens on the Unix domain socket and dispatches connections until
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socket)
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socket, err)
	}
	s.listener = ln
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves one accepted connection. A node's Server is bound to a
// single agent, but a relaunch after pause/resume dials a fresh connection
// to the same socket, so each connection gets its own correlation id to keep
// their log lines distinguishable. Requests and responses are
// length-prefixed frames (see readFrame/writeFrame), not newline-delimited.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connLog := s.log.With("conn_id", uuid.NewString())
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		payload, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				connLog.Warn("rpc connection read error", "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			connLog.Warn("malformed rpc request", "error", err)
			continue
		}
		connLog.Debug("rpc call", "method", req.Method, "request_id", req.ID)
		resp := s.dispatch(ctx, req)
		if err := writeResponse(writer, resp); err != nil {
			connLog.Warn("write rpc response", "error", err)
			return
		}
	}
}

func writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := writeFrame(w, data); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: toRPCError(err)}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: &RPCError{Kind: "internal", Message: err.Error()}}
	}
	return Response{ID: req.ID, Result: raw}
}

func toRPCError(err error) *RPCError {
	kind := store.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	return &RPCError{Kind: string(kind), Message: err.Error()}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodReadTree:
		return s.st.Snapshot(ctx)
	case MethodReadNode:
		var p ReadNodeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		target := p.NodeID
		if target == 0 {
			target = s.nodeID
		}
		return s.st.GetNode(ctx, target)
	case MethodCreate:
		var p CreateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		kind, err := resolveCreateKind(p.Kind)
		if err != nil {
			return nil, err
		}
		returns, err := resolveCreateReturns(p.Returns)
		if err != nil {
			return nil, err
		}
		input := store.CreateChildInput{
			ParentID: s.nodeID,
			Kind:     kind,
			Goal:     p.Goal,
			Prompt:   p.Prompt,
			Returns:  returns,
			Needs:    p.Needs,
		}
		if s.onCreate != nil {
			return s.onCreate(ctx, s.nodeID, input)
		}
		return s.st.CreateChild(ctx, input)
	case MethodComplete:
		var p CompleteParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		// A result payload is only legal on active -> complete; an agent
		// declaring its own failure still gets its node marked failed, with
		// whatever it sent discarded rather than rejected wholesale.
		if p.Failed {
			return s.st.Transition(ctx, s.nodeID, store.StatusActive, store.StatusFailed, nil)
		}
		return s.st.Transition(ctx, s.nodeID, store.StatusActive, store.StatusComplete, &p.Result)
	case MethodStop:
		var p StopParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if err := s.requireStrictAuthority(ctx, p.NodeID); err != nil {
			return nil, err
		}
		return s.cancelSubtree(ctx, p.NodeID)
	case MethodPause:
		var p PauseParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if err := s.requireStrictAuthority(ctx, p.NodeID); err != nil {
			return nil, err
		}
		return s.st.Transition(ctx, p.NodeID, store.StatusActive, store.StatusPaused, nil)
	case MethodResume:
		var p ResumeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if err := s.requireStrictAuthority(ctx, p.NodeID); err != nil {
			return nil, err
		}
		// Resume lands in pending, not active: the next scheduler tick
		// re-evaluates needs and launches a fresh subprocess.
		return s.st.Transition(ctx, p.NodeID, store.StatusPaused, store.StatusPending, nil)
	case MethodModify:
		var p ModifyParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if err := s.requireStrictAuthority(ctx, p.NodeID); err != nil {
			return nil, err
		}
		return s.st.Modify(ctx, p.NodeID, p.Goal, p.Prompt)
	case MethodAsk:
		var p AskParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		target := store.AskTarget(p.Target)
		if err := s.requireAskTarget(target); err != nil {
			return nil, err
		}
		if s.onAsk != nil {
			return s.onAsk(ctx, s.nodeID, p)
		}
		return nil, errors.New("ask handling not wired")
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// requireAuthority enforces the strict-subtree rule used by the mutating
// tools (stop/pause/resume/modify, via requireStrictAuthority): a caller may
// only act on nodes within its own subtree. read_tree/read_node are
// unrestricted for any caller and never call this.
func (s *Server) requireAuthority(ctx context.Context, targetID int64) error {
	if targetID == s.nodeID {
		return nil
	}
	ancestor, err := s.st.IsAncestor(ctx, s.nodeID, targetID)
	if err != nil {
		return err
	}
	if !ancestor {
		return &store.Error{Kind: store.ErrAuthorityDenied, NodeID: targetID, HasNode: true, Message: "target is outside the caller's subtree"}
	}
	return nil
}

// requireStrictAuthority enforces stop/pause/resume/modify's narrower scope:
// the target must lie in the caller's subtree and must not be the caller
// itself (an agent manages its own lifecycle through complete, not these).
func (s *Server) requireStrictAuthority(ctx context.Context, targetID int64) error {
	if targetID == s.nodeID {
		return &store.Error{Kind: store.ErrAuthorityDenied, NodeID: targetID, HasNode: true, Message: "caller may not target itself"}
	}
	return s.requireAuthority(ctx, targetID)
}

// resolveCreateKind validates a create call's kind against the closed set an
// agent may spawn. An omitted kind defaults to task; goal is rejected along
// with anything unknown, since the singleton root is the only goal node the
// tree may ever hold.
func resolveCreateKind(raw string) (store.Kind, error) {
	switch kind := store.Kind(raw); kind {
	case "":
		return store.KindTask, nil
	case store.KindTask, store.KindSerial, store.KindAsk:
		return kind, nil
	default:
		return "", &store.Error{Kind: store.ErrInvalidStatus, Message: fmt.Sprintf("unknown kind %q", raw)}
	}
}

// resolveCreateReturns validates the declared returns contract, defaulting an
// omitted value to text.
func resolveCreateReturns(raw string) (store.Returns, error) {
	switch returns := store.Returns(raw); returns {
	case "":
		return store.ReturnsText, nil
	case store.ReturnsText, store.ReturnsBoolean, store.ReturnsList, store.ReturnsStructured, store.ReturnsFile, store.ReturnsApproval:
		return returns, nil
	default:
		return "", &store.Error{Kind: store.ErrInvalidStatus, Message: fmt.Sprintf("unknown returns %q", raw)}
	}
}

// requireAskTarget validates the target name. Authority is never an issue
// here: `ask` always creates a new node under the caller's own subtree, and
// `target=parent` is the sole exception allowing it to name the
// caller's own parent.
func (s *Server) requireAskTarget(target store.AskTarget) error {
	switch target {
	case store.AskTargetHuman, store.AskTargetParent, store.AskTargetChildren:
		return nil
	default:
		return &store.Error{Kind: store.ErrInvalidStatus, Message: fmt.Sprintf("unknown ask target %q", target)}
	}
}

func (s *Server) cancelSubtree(ctx context.Context, rootID int64) (*store.Node, error) {
	nodes, err := s.st.Subtree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Status.IsTerminal() {
			continue
		}
		if _, err := s.st.Transition(ctx, n.ID, n.Status, store.StatusCancelled, nil); err != nil {
			var serr *store.Error
			if errors.As(err, &serr) && serr.Kind == store.ErrInvalidStatus {
				continue
			}
			return nil, err
		}
	}
	return s.st.GetNode(ctx, rootID)
}
