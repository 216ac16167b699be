package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corddev/cord/internal/store"
)

func openTestStoreWithRoot(t *testing.T) (*store.Store, *store.Node) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "cord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	root, err := st.CreateRoot(ctx, "goal", "prompt", store.ReturnsText)
	require.NoError(t, err)
	_, err = st.Transition(ctx, root.ID, store.StatusPending, store.StatusActive, nil)
	require.NoError(t, err)
	return st, root
}

type rpcClient struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
}

func dial(t *testing.T, socket string) *rpcClient {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socket)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rpcClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *rpcClient) call(t *testing.T, method string, params any) Response {
	t.Helper()
	c.nextID++
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	req := Request{ID: c.nextID, Method: method, Params: raw}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, writeFrame(c.conn, data))

	payload, err := readFrame(c.reader)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(payload, &resp))
	return resp
}

func TestServerReadOwnNode(t *testing.T) {
	st, root := openTestStoreWithRoot(t)
	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := dial(t, socket)
	resp := client.call(t, MethodReadNode, ReadNodeParams{})
	require.Nil(t, resp.Error)
	var n store.Node
	require.NoError(t, json.Unmarshal(resp.Result, &n))
	require.Equal(t, root.ID, n.ID)
}

func TestServerCreateChild(t *testing.T) {
	st, root := openTestStoreWithRoot(t)
	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := dial(t, socket)
	resp := client.call(t, MethodCreate, CreateParams{Kind: "task", Goal: "subtask", Returns: "text"})
	require.Nil(t, resp.Error)
	var child store.Node
	require.NoError(t, json.Unmarshal(resp.Result, &child))
	require.Equal(t, root.ID, *child.ParentID)
}

func TestServerCreateRejectsInvalidKind(t *testing.T) {
	ctx := context.Background()
	st, root := openTestStoreWithRoot(t)
	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())

	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)

	// goal is reserved for the singleton root; an agent may never spawn one.
	resp := client.call(t, MethodCreate, CreateParams{Kind: "goal", Goal: "a second root", Returns: "text"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrInvalidStatus), resp.Error.Kind)

	resp = client.call(t, MethodCreate, CreateParams{Kind: "bogus", Goal: "nonsense", Returns: "text"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrInvalidStatus), resp.Error.Kind)

	resp = client.call(t, MethodCreate, CreateParams{Kind: "task", Goal: "fine", Returns: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrInvalidStatus), resp.Error.Kind)

	// Nothing was persisted by the rejected calls.
	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)
}

func TestServerCreateDefaultsKindAndReturns(t *testing.T) {
	st, root := openTestStoreWithRoot(t)
	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)
	resp := client.call(t, MethodCreate, CreateParams{Goal: "defaulted"})
	require.Nil(t, resp.Error)

	var child store.Node
	require.NoError(t, json.Unmarshal(resp.Result, &child))
	assert.Equal(t, store.KindTask, child.Kind)
	assert.Equal(t, store.ReturnsText, child.Returns)
}

func TestServerReadNodeHasNoAuthorityRestriction(t *testing.T) {
	ctx := context.Background()
	st, root := openTestStoreWithRoot(t)

	// read_node is unrestricted, like read_tree: a node may read any other
	// node's status/goal/result, including one outside its own subtree
	// (here, its own ancestor).
	child, err := st.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: store.KindTask, Goal: "child", Returns: store.ReturnsText})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, child.ID, socket, testLogger())
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)
	resp := client.call(t, MethodReadNode, ReadNodeParams{NodeID: root.ID})
	require.Nil(t, resp.Error)

	var got store.Node
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Equal(t, root.ID, got.ID)
}

func TestServerDeniesSelfTargetingStopPauseResumeModify(t *testing.T) {
	st, root := openTestStoreWithRoot(t)

	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)

	resp := client.call(t, MethodStop, StopParams{NodeID: root.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrAuthorityDenied), resp.Error.Kind)

	resp = client.call(t, MethodPause, PauseParams{NodeID: root.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrAuthorityDenied), resp.Error.Kind)

	resp = client.call(t, MethodResume, ResumeParams{NodeID: root.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrAuthorityDenied), resp.Error.Kind)

	resp = client.call(t, MethodModify, ModifyParams{NodeID: root.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrAuthorityDenied), resp.Error.Kind)

	// read_node remains self-inclusive: a caller may always read its own node.
	resp = client.call(t, MethodReadNode, ReadNodeParams{NodeID: root.ID})
	require.Nil(t, resp.Error)
}

func TestServerAskDelegatesToOnAskHook(t *testing.T) {
	st, root := openTestStoreWithRoot(t)
	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())

	var gotNodeID int64
	var gotAsk AskParams
	srv.OnAsk(func(ctx context.Context, nodeID int64, ask AskParams) (int64, error) {
		gotNodeID = nodeID
		gotAsk = ask
		return 42, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := dial(t, socket)
	resp := client.call(t, MethodAsk, AskParams{Target: "human", Question: "continue?"})
	require.Nil(t, resp.Error)

	var id int64
	require.NoError(t, json.Unmarshal(resp.Result, &id))
	assert.Equal(t, int64(42), id)
	assert.Equal(t, root.ID, gotNodeID)
	assert.Equal(t, "continue?", gotAsk.Question)
}

func TestServerAskRejectsUnknownTarget(t *testing.T) {
	st, root := openTestStoreWithRoot(t)
	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())
	srv.OnAsk(func(ctx context.Context, nodeID int64, ask AskParams) (int64, error) {
		t.Fatal("onAsk must not be called for an invalid target")
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := dial(t, socket)
	resp := client.call(t, MethodAsk, AskParams{Target: "bystander", Question: "continue?"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrInvalidStatus), resp.Error.Kind)
}

func TestServerStopCascadesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, root := openTestStoreWithRoot(t)

	child, err := st.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: store.KindTask, Goal: "child", Returns: store.ReturnsText})
	require.NoError(t, err)
	_, err = st.Transition(ctx, child.ID, store.StatusPending, store.StatusActive, nil)
	require.NoError(t, err)
	grandchild, err := st.CreateChild(ctx, store.CreateChildInput{ParentID: child.ID, Kind: store.KindTask, Goal: "grandchild", Returns: store.ReturnsText})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, root.ID, socket, testLogger())
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)
	resp := client.call(t, MethodStop, StopParams{NodeID: child.ID})
	require.Nil(t, resp.Error)

	for _, id := range []int64{child.ID, grandchild.ID} {
		n, err := st.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCancelled, n.Status, "stop cancels the target and every descendant")
	}

	// A second stop on an already-cancelled subtree is a no-op that succeeds.
	resp = client.call(t, MethodStop, StopParams{NodeID: child.ID})
	require.Nil(t, resp.Error)
}

func TestServerStopSiblingDenied(t *testing.T) {
	ctx := context.Background()
	st, root := openTestStoreWithRoot(t)

	first, err := st.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: store.KindTask, Goal: "first", Returns: store.ReturnsText})
	require.NoError(t, err)
	second, err := st.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: store.KindTask, Goal: "second", Returns: store.ReturnsText})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, first.ID, socket, testLogger())
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)
	resp := client.call(t, MethodStop, StopParams{NodeID: second.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(store.ErrAuthorityDenied), resp.Error.Kind)

	untouched, err := st.GetNode(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, untouched.Status, "a denied stop leaves the target unchanged")
}

func TestServerCompleteTransitionsNode(t *testing.T) {
	ctx := context.Background()
	st, root := openTestStoreWithRoot(t)
	child, err := st.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: store.KindTask, Goal: "child", Returns: store.ReturnsText})
	require.NoError(t, err)
	_, err = st.Transition(ctx, child.ID, store.StatusPending, store.StatusActive, nil)
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "node.sock")
	srv := New(st, child.ID, socket, testLogger())
	srvCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(srvCtx)

	client := dial(t, socket)
	resp := client.call(t, MethodComplete, CompleteParams{Result: "done"})
	require.Nil(t, resp.Error)

	updated, err := st.GetNode(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, updated.Status)
	require.Equal(t, "done", *updated.Result)
}
