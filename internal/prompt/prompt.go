// Package prompt assembles the text handed to an agent subprocess at
// launch. Assembly is a pure function of the node tree: given the same
// Snapshot and node id twice, it produces byte-identical output.
package prompt

import (
	"fmt"
	"strings"

	"github.com/corddev/cord/internal/store"
)

// Context carries everything the assembler needs beyond the snapshot
// itself: the socket path the subprocess should connect its tool server
// client to, and whether this launch is a resume of a previously paused
// node.
type Context struct {
	NodeID     int64
	SocketPath string
	Resuming   bool
}

// Assemble builds the prompt for an ordinary (non-synthesis) launch: the
// node's identity, its ancestor goal chain, its own goal and instructions,
// the results of everything it needs, and instructions for the returns
// contract and available tools.
func Assemble(snap *store.Snapshot, ctx Context) (string, error) {
	node, ok := snap.Nodes[ctx.NodeID]
	if !ok {
		return "", fmt.Errorf("node %d not found in snapshot", ctx.NodeID)
	}

	var b strings.Builder
	writeIdentity(&b, node, ctx)
	writeGoalChain(&b, snap, node)
	writeOwnGoal(&b, node)
	writeNeedsResults(&b, snap, node)
	writeReturnsInstruction(&b, node)
	writeToolInstructions(&b, ctx)

	return b.String(), nil
}

// AssembleSynthesis builds the prompt for a synthesizing launch: the same
// identity and goal chain, but in place of needs results it lists every
// child's outcome, and it asks the node to fold them into its own result
// instead of performing new work.
func AssembleSynthesis(snap *store.Snapshot, ctx Context) (string, error) {
	node, ok := snap.Nodes[ctx.NodeID]
	if !ok {
		return "", fmt.Errorf("node %d not found in snapshot", ctx.NodeID)
	}

	var b strings.Builder
	writeIdentity(&b, node, ctx)
	writeGoalChain(&b, snap, node)
	writeOwnGoal(&b, node)
	writeChildOutcomes(&b, snap, node)
	fmt.Fprintf(&b, "\nAll of your child tasks have finished. Synthesize their outcomes above into your own result.\n")
	writeReturnsInstruction(&b, node)
	writeToolInstructions(&b, ctx)

	return b.String(), nil
}

func writeIdentity(b *strings.Builder, node *store.Node, ctx Context) {
	fmt.Fprintf(b, "You are node #%d (kind: %s) in a coordination tree.\n", node.ID, node.Kind)
	if ctx.Resuming {
		fmt.Fprintf(b, "You were previously paused and are now resuming.\n")
	}
}

// writeGoalChain walks from the root down to node's parent, giving the
// agent the full ancestry of goals it is working inside, rendered as a
// nested indent tree: each level indents one step deeper than its parent.
func writeGoalChain(b *strings.Builder, snap *store.Snapshot, node *store.Node) {
	var chain []*store.Node
	cur := node
	for cur.ParentID != nil {
		parent := snap.Nodes[*cur.ParentID]
		if parent == nil {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	if len(chain) == 0 {
		return
	}
	b.WriteString("\nGoal chain (root first):\n")
	depth := 0
	for i := len(chain) - 1; i >= 0; i-- {
		fmt.Fprintf(b, "%s- %s\n", strings.Repeat("  ", depth+1), chain[i].Goal)
		depth++
	}
	fmt.Fprintf(b, "%s- (you) %s\n", strings.Repeat("  ", depth+1), node.Goal)
}

func writeOwnGoal(b *strings.Builder, node *store.Node) {
	fmt.Fprintf(b, "\nYour goal: %s\n", node.Goal)
	if node.Prompt != "" {
		fmt.Fprintf(b, "\nInstructions:\n%s\n", node.Prompt)
	}
}

func writeNeedsResults(b *strings.Builder, snap *store.Snapshot, node *store.Node) {
	needIDs := snap.NeedsOf[node.ID]
	if len(needIDs) == 0 {
		return
	}
	b.WriteString("\nResults from tasks you depend on:\n")
	for _, id := range needIDs {
		need := snap.Nodes[id]
		if need == nil {
			continue
		}
		result := ""
		if need.Result != nil {
			result = *need.Result
		}
		fmt.Fprintf(b, "  Result from #%d %q: %s\n", need.ID, need.Goal, result)
	}
}

func writeChildOutcomes(b *strings.Builder, snap *store.Snapshot, node *store.Node) {
	kidIDs := snap.ChildrenOf[node.ID]
	if len(kidIDs) == 0 {
		return
	}
	b.WriteString("\nChild task outcomes:\n")
	for _, id := range kidIDs {
		kid := snap.Nodes[id]
		if kid == nil {
			continue
		}
		result := ""
		if kid.Result != nil {
			result = *kid.Result
		}
		fmt.Fprintf(b, "  - [%s] %s: %s\n", kid.Status, kid.Goal, result)
	}
}

func writeReturnsInstruction(b *strings.Builder, node *store.Node) {
	switch node.Returns {
	case store.ReturnsBoolean:
		b.WriteString("\nReport your result as a single boolean (true/false).\n")
	case store.ReturnsList:
		b.WriteString("\nReport your result as a newline-delimited list.\n")
	case store.ReturnsStructured:
		b.WriteString("\nReport your result as structured JSON.\n")
	case store.ReturnsFile:
		b.WriteString("\nReport your result as a path to a file you have written.\n")
	case store.ReturnsApproval:
		b.WriteString("\nReport your result as an approval decision (approved/rejected) with a reason.\n")
	default:
		b.WriteString("\nReport your result as free text.\n")
	}
}

func writeToolInstructions(b *strings.Builder, ctx Context) {
	fmt.Fprintf(b, "\nConnect to your tool server at %s to read the tree, create child tasks, report your result with complete, or ask a question with ask.\n", ctx.SocketPath)
}
