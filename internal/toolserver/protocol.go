// Package toolserver implements the per-agent tool server: a framed
// JSON-RPC endpoint, one per running node, that an agent subprocess talks to
// over a Unix domain socket to read the tree, create children, report
// results, and manage its own node's lifecycle.
package toolserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame's payload, matching the previous
// scanner buffer's ceiling so a malformed or hostile length header can't
// make readFrame allocate without bound.
const maxFrameSize = 1 << 20

// writeFrame writes payload length-prefixed: a 4-byte big-endian length
// header followed by the payload bytes.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed payload from r.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Request is a single JSON-RPC-style call a subprocess sends over its socket
// (no "jsonrpc" version field is sent or checked).
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the framed reply to a Request. Exactly one of Result or Error
// is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError carries a store error taxonomy kind alongside a human message, so
// a calling agent can branch on Kind without string-matching Message.
type RPCError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Kind + ": " + e.Message
}

// Method names the tool server dispatches. These are the only RPCs an agent
// subprocess may call.
const (
	MethodReadTree = "read_tree"
	MethodReadNode = "read_node"
	MethodCreate   = "create"
	MethodComplete = "complete"
	MethodStop     = "stop"
	MethodPause    = "pause"
	MethodResume   = "resume"
	MethodModify   = "modify"
	MethodAsk      = "ask"
)

// ReadNodeParams names the node to read; empty NodeID means "read my own
// node."
type ReadNodeParams struct {
	NodeID int64 `json:"node_id,omitempty"`
}

// CreateParams is the payload for the create RPC: spawn a new child of the
// caller's own node.
type CreateParams struct {
	Kind    string  `json:"kind"`
	Goal    string  `json:"goal"`
	Prompt  string  `json:"prompt"`
	Returns string  `json:"returns"`
	Needs   []int64 `json:"needs,omitempty"`
}

// CompleteParams reports the caller's own node as finished.
type CompleteParams struct {
	Result string `json:"result"`
	Failed bool   `json:"failed,omitempty"`
}

// StopParams cancels a node the caller has authority over.
type StopParams struct {
	NodeID int64 `json:"node_id"`
}

// PauseParams and ResumeParams toggle a node the caller has authority over.
type PauseParams struct {
	NodeID int64 `json:"node_id"`
}

type ResumeParams struct {
	NodeID int64 `json:"node_id"`
}

// ModifyParams rewrites goal/prompt on a pending or paused node the caller
// has authority over.
type ModifyParams struct {
	NodeID int64   `json:"node_id"`
	Goal   *string `json:"goal,omitempty"`
	Prompt *string `json:"prompt,omitempty"`
}

// AskParams creates an ask node targeting human, parent, or children.
// Options and Default are advisory framing for the question's expected
// answer shape; Cord stores them on the ask node's prompt but never
// validates a reply against them. TimeoutSeconds is accepted on the wire
// but not yet honored per-ask; every human ask waits the driver's
// configured default before resolving to its timeout sentinel.
type AskParams struct {
	Target         string   `json:"target"`
	Question       string   `json:"question"`
	Options        []string `json:"options,omitempty"`
	Default        string   `json:"default,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}
