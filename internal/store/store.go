package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is Cord's persistent coordination store. It holds a single writer
// connection (all mutating operations serialize through writeMu, matching
// SQLite's single-writer model) and a separate read-pool connection for
// concurrent snapshot reads that should never block on an in-flight write.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path, applies
// every pending migration, and configures WAL mode so readers never block
// behind the writer.
func Open(ctx context.Context, path string) (*Store, error) {
	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if err := configurePragmas(ctx, writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	mig, err := newMigrator(writeDB)
	if err != nil {
		writeDB.Close()
		return nil, err
	}
	if _, err := mig.up(ctx); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	readDB, err := sql.Open("sqlite", path)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	if err := configurePragmas(ctx, readDB); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	return &Store{writeDB: writeDB, readDB: readDB}, nil
}

func configurePragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Migrate applies every pending migration without opening a full Store,
// for use by `cord store migrate` against a file that may not exist yet.
func Migrate(ctx context.Context, path string) ([]string, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := configurePragmas(ctx, db); err != nil {
		return nil, err
	}
	mig, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	return mig.up(ctx)
}

// Close releases both underlying connections.
func (s *Store) Close() error {
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// CreateRoot inserts the singleton goal node. It fails with ErrConflict if a
// root already exists.
func (s *Store) CreateRoot(ctx context.Context, goal, prompt string, returns Returns) (*Node, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE parent_id IS NULL`).Scan(&existing); err != nil {
		return nil, fmt.Errorf("check existing root: %w", err)
	}
	if existing > 0 {
		return nil, newErr(ErrConflict, "root already exists")
	}

	ts := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (kind, parent_id, ordinal, goal, prompt, returns, status, result, synthesized, ask_target, created_at, updated_at)
		VALUES (?, NULL, 0, ?, ?, ?, ?, NULL, 0, NULL, ?, ?)
	`, KindGoal, goal, prompt, returns, StatusPending, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert root: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("root id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetNode(ctx, id)
}

// CreateChildInput describes a new node to attach under an existing parent.
type CreateChildInput struct {
	ParentID int64
	Kind     Kind
	Goal     string
	Prompt   string
	Returns  Returns
	Needs    []int64
	// AskTarget is only meaningful when Kind is KindAsk: it records which
	// of human/parent/children the ask() call named.
	AskTarget *AskTarget
}

// CreateChild inserts a new node under ParentID and wires its needs edges.
// Every id in Needs must be a descendant of the creator (authority boundary
// enforcement is the tool server's job, not the store's) or a prior sibling
// with a smaller ordinal; otherwise the call fails with ErrInvalidNeeds. A
// `serial` kind additionally gains an implicit needs edge on its immediate
// ordinal predecessor, stacking with any explicit needs.
func (s *Store) CreateChild(ctx context.Context, in CreateChildInput) (*Node, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	parent, err := getNodeTx(ctx, tx, in.ParentID)
	if err != nil {
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, newNodeErr(ErrInvalidStatus, parent.ID, "parent is terminal")
	}

	ordinal, err := nextOrdinal(ctx, tx, in.ParentID)
	if err != nil {
		return nil, err
	}

	needs := append([]int64(nil), in.Needs...)
	if in.Kind == KindSerial && ordinal > 0 {
		predID, err := siblingAtOrdinal(ctx, tx, in.ParentID, ordinal-1)
		if err != nil {
			return nil, err
		}
		needs = appendUnique(needs, predID)
	}

	for _, needID := range needs {
		ok, err := isDescendantOrPriorSibling(ctx, tx, in.ParentID, ordinal, needID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, newNodeErr(ErrInvalidNeeds, needID, "must be a descendant of the creator or a prior sibling")
		}
	}

	var askTarget *string
	if in.AskTarget != nil {
		s := string(*in.AskTarget)
		askTarget = &s
	}

	ts := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (kind, parent_id, ordinal, goal, prompt, returns, status, result, synthesized, ask_target, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, ?)
	`, in.Kind, in.ParentID, ordinal, in.Goal, in.Prompt, in.Returns, StatusPending, askTarget, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert child: %w", err)
	}
	childID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("child id: %w", err)
	}

	for _, needID := range needs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dependencies (from_id, to_id) VALUES (?, ?)`, childID, needID); err != nil {
			return nil, fmt.Errorf("insert dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetNode(ctx, childID)
}

// transitions is the closed set of status changes callers may request
// directly; CAS semantics are enforced by requiring the caller to name the
// expected current status.
// A resumed node lands back in pending, not active: resume
// re-enters the ordinary ready-set path so the scheduler re-evaluates needs
// and the supervisor launches a fresh subprocess, rather than reviving the
// old one in place.
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusActive: true, StatusCancelled: true},
	StatusActive:    {StatusComplete: true, StatusFailed: true, StatusCancelled: true, StatusPaused: true},
	StatusPaused:    {StatusPending: true, StatusCancelled: true},
	StatusComplete:  {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Transition moves a node from From to To, optionally attaching a result
// (only accepted on an active->complete transition, and only once: a node's
// result is immutable thereafter).
func (s *Store) Transition(ctx context.Context, nodeID int64, from, to Status, result *string) (*Node, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	node, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status != from {
		// A terminal node has no further transitions at all, so a stale caller
		// gets invalid_status (retrying is pointless); a mismatch against a
		// live status is a lost CAS race, which conflict tells the caller to
		// re-read and retry.
		if node.Status.IsTerminal() {
			return nil, newNodeErr(ErrInvalidStatus, nodeID, fmt.Sprintf("node is already %s", node.Status))
		}
		return nil, newNodeErr(ErrConflict, nodeID, fmt.Sprintf("expected status %s, found %s", from, node.Status))
	}
	if !transitions[from][to] {
		return nil, newNodeErr(ErrInvalidStatus, nodeID, fmt.Sprintf("%s -> %s is not a legal transition", from, to))
	}
	if result != nil && (from != StatusActive || to != StatusComplete) {
		return nil, newNodeErr(ErrInvalidStatus, nodeID, "result may only be set on an active -> complete transition")
	}

	ts := now()
	if result != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status = ?, result = ?, updated_at = ? WHERE id = ?`, to, *result, ts, nodeID); err != nil {
			return nil, fmt.Errorf("update node: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`, to, ts, nodeID); err != nil {
			return nil, fmt.Errorf("update node: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetNode(ctx, nodeID)
}

// Modify rewrites a node's goal/prompt. Only legal while the node is
// pending or paused: once active, a node's instructions are frozen for the
// running agent.
func (s *Store) Modify(ctx context.Context, nodeID int64, goal, prompt *string) (*Node, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	node, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status != StatusPending && node.Status != StatusPaused {
		return nil, newNodeErr(ErrInvalidStatus, nodeID, "modify requires pending or paused status")
	}

	newGoal := node.Goal
	if goal != nil {
		newGoal = *goal
	}
	newPrompt := node.Prompt
	if prompt != nil {
		newPrompt = *prompt
	}

	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET goal = ?, prompt = ?, updated_at = ? WHERE id = ?`, newGoal, newPrompt, now(), nodeID); err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetNode(ctx, nodeID)
}

// MarkSynthesized flags a node as having already had its synthesis launch
// triggered, so the scheduler does not relaunch synthesis for it on every
// subsequent tick while its subprocess is still running.
func (s *Store) MarkSynthesized(ctx context.Context, nodeID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writeDB.ExecContext(ctx, `UPDATE nodes SET synthesized = 1, updated_at = ? WHERE id = ?`, now(), nodeID); err != nil {
		return fmt.Errorf("mark synthesized: %w", err)
	}
	return nil
}

// ReconcileOrphans resets every node left in active status back to pending,
// bypassing the normal transition table. Cord calls this once at startup:
// an active node with no tracked subprocess means the previous run crashed
// mid-flight, and the safest recovery is to let the scheduler relaunch it
// rather than leave the tree stuck forever on a process that no longer
// exists. It returns the ids it reset.
func (s *Store) ReconcileOrphans(ctx context.Context) ([]int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM nodes WHERE status = ?`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active nodes: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan active node: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate active nodes: %w", err)
	}
	rows.Close()

	ts := now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`, StatusPending, ts, id); err != nil {
			return nil, fmt.Errorf("reset node %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// GetNode reads a single node by id using the read pool.
func (s *Store) GetNode(ctx context.Context, id int64) (*Node, error) {
	row := s.readDB.QueryRowContext(ctx, selectNodeSQL+` WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, newNodeErr(ErrNotFound, id, "node not found")
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return n, nil
}

// ReadySet returns every pending node whose needs are all complete and
// whose parent is active (or is the root, which has no parent gate).
func (s *Store) ReadySet(ctx context.Context) ([]*Node, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return readySetFromSnapshot(snap), nil
}

func readySetFromSnapshot(snap *Snapshot) []*Node {
	var ready []*Node
	for _, n := range snap.Nodes {
		if n.Status != StatusPending {
			continue
		}
		if n.ParentID != nil {
			parent := snap.Nodes[*n.ParentID]
			if parent == nil || parent.Status != StatusActive {
				continue
			}
		}
		blocked := false
		for _, needID := range snap.NeedsOf[n.ID] {
			needNode := snap.Nodes[needID]
			if needNode == nil || needNode.Status != StatusComplete {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// Subtree returns id and every transitive descendant of id.
func (s *Store) Subtree(ctx context.Context, id int64) ([]*Node, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	root, ok := snap.Nodes[id]
	if !ok {
		return nil, newNodeErr(ErrNotFound, id, "node not found")
	}
	out := []*Node{root}
	for _, descID := range snap.Descendants(id) {
		out = append(out, snap.Nodes[descID])
	}
	return out, nil
}

// IsAncestor reports whether a is a strict ancestor of b.
func (s *Store) IsAncestor(ctx context.Context, a, b int64) (bool, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.IsAncestor(a, b), nil
}

// Snapshot takes a consistent, in-memory copy of the whole tree.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	// Nodes and dependency edges are read inside one transaction so both
	// queries see the same database state.
	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectNodeSQL)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{
		Nodes:        map[int64]*Node{},
		ChildrenOf:   map[int64][]int64{},
		NeedsOf:      map[int64][]int64{},
		DependentsOf: map[int64][]int64{},
		TakenAt:      now(),
	}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		snap.Nodes[n.ID] = n
		if n.IsRoot() {
			snap.RootID = n.ID
		}
		if n.ParentID != nil {
			snap.ChildrenOf[*n.ParentID] = append(snap.ChildrenOf[*n.ParentID], n.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	for _, kids := range snap.ChildrenOf {
		sort.Slice(kids, func(i, j int) bool { return snap.Nodes[kids[i]].Ordinal < snap.Nodes[kids[j]].Ordinal })
	}

	depRows, err := tx.QueryContext(ctx, `SELECT from_id, to_id FROM dependencies`)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var from, to int64
		if err := depRows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		snap.NeedsOf[from] = append(snap.NeedsOf[from], to)
		snap.DependentsOf[to] = append(snap.DependentsOf[to], from)
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}

	return snap, nil
}

const selectNodeSQL = `
	SELECT id, kind, parent_id, ordinal, goal, prompt, returns, status, result, synthesized, ask_target, created_at, updated_at
	FROM nodes
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var parentID sql.NullInt64
	var result sql.NullString
	var synthesized int
	var askTarget sql.NullString
	if err := row.Scan(&n.ID, &n.Kind, &parentID, &n.Ordinal, &n.Goal, &n.Prompt, &n.Returns, &n.Status, &result, &synthesized, &askTarget, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := parentID.Int64
		n.ParentID = &id
	}
	if result.Valid {
		val := result.String
		n.Result = &val
	}
	if askTarget.Valid {
		t := AskTarget(askTarget.String)
		n.AskTarget = &t
	}
	n.Synthesized = synthesized != 0
	return &n, nil
}

func getNodeTx(ctx context.Context, tx *sql.Tx, id int64) (*Node, error) {
	row := tx.QueryRowContext(ctx, selectNodeSQL+` WHERE id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, newNodeErr(ErrNotFound, id, "node not found")
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return n, nil
}

func nextOrdinal(ctx context.Context, tx *sql.Tx, parentID int64) (int, error) {
	var maxOrdinal sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ordinal) FROM nodes WHERE parent_id = ?`, parentID).Scan(&maxOrdinal); err != nil {
		return 0, fmt.Errorf("max ordinal: %w", err)
	}
	if !maxOrdinal.Valid {
		return 0, nil
	}
	return int(maxOrdinal.Int64) + 1, nil
}

func siblingAtOrdinal(ctx context.Context, tx *sql.Tx, parentID int64, ordinal int) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM nodes WHERE parent_id = ? AND ordinal = ?`, parentID, ordinal).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, newErr(ErrInvalidNeeds, "no sibling at preceding ordinal")
		}
		return 0, fmt.Errorf("sibling lookup: %w", err)
	}
	return id, nil
}

// isDescendantOrPriorSibling reports whether needID is a legal needs target
// for a node about to be created under creatorParentID at creatorOrdinal:
// either a sibling with a smaller ordinal, or a descendant of the creator
// (creatorParentID's own subtree). Both cases are already on the tree, so
// the edge can never close a cycle.
func isDescendantOrPriorSibling(ctx context.Context, tx *sql.Tx, creatorParentID int64, creatorOrdinal int, needID int64) (bool, error) {
	var needParentID sql.NullInt64
	var needOrdinal int
	err := tx.QueryRowContext(ctx, `SELECT parent_id, ordinal FROM nodes WHERE id = ?`, needID).Scan(&needParentID, &needOrdinal)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("needs lookup: %w", err)
	}
	if needParentID.Valid && needParentID.Int64 == creatorParentID && needOrdinal < creatorOrdinal {
		return true, nil
	}
	cur := needParentID
	for cur.Valid {
		if cur.Int64 == creatorParentID {
			return true, nil
		}
		var nextParent sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM nodes WHERE id = ?`, cur.Int64).Scan(&nextParent); err != nil {
			return false, fmt.Errorf("ancestor walk: %w", err)
		}
		cur = nextParent
	}
	return false, nil
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
