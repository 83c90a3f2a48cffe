package story

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"storyvote/internal/domain"
)

// ValidationError is one fatal finding from Validate. All findings are
// accumulated and returned together so callers can show a complete report.
type ValidationError struct {
	NodeID   string `json:"node_id,omitempty"`
	ChoiceID string `json:"choice_id,omitempty"`
	Message  string `json:"message"`
}

func (e ValidationError) Error() string {
	switch {
	case e.NodeID != "" && e.ChoiceID != "":
		return fmt.Sprintf("node %s choice %s: %s", e.NodeID, e.ChoiceID, e.Message)
	case e.NodeID != "":
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	default:
		return e.Message
	}
}

// Report is the outcome of validating a story graph. Unreachable nodes are
// warnings, not errors; a moderator may stage content ahead of wiring it in.
type Report struct {
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// OK reports whether the graph had no fatal findings.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Err flattens the report into a single error, or nil when OK.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	msg := r.Errors[0].Error()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	return fmt.Errorf("invalid story: %s", msg)
}

// Graph is a validated, read-only story graph with indexed lookup.
// Construct only through Validate.
type Graph struct {
	raw   domain.StoryGraph
	nodes map[string]domain.StoryNode
}

// Validate checks a raw story graph and, when it has no fatal findings,
// returns the indexed read-only Graph. Checks run in order: field presence,
// start node existence, terminal/choice exclusivity, referential integrity,
// reachability (warnings only), and the at-least-one-terminal rule.
func Validate(g domain.StoryGraph) (*Graph, Report) {
	var rep Report
	fail := func(nodeID, choiceID, msg string) {
		rep.Errors = append(rep.Errors, ValidationError{NodeID: nodeID, ChoiceID: choiceID, Message: msg})
	}

	nodes := make(map[string]domain.StoryNode, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			fail("", "", "node with empty id")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			fail(n.ID, "", "duplicate node id")
			continue
		}
		if n.Title == "" {
			fail(n.ID, "", "title is required")
		}
		if n.Body == "" {
			fail(n.ID, "", "body is required")
		}
		seen := map[string]bool{}
		for _, c := range n.Choices {
			if c.ID == "" {
				fail(n.ID, "", "choice with empty id")
				continue
			}
			if seen[c.ID] {
				fail(n.ID, c.ID, "duplicate choice id")
			}
			seen[c.ID] = true
			if c.Label == "" {
				fail(n.ID, c.ID, "label is required")
			}
			if c.NextID == "" {
				fail(n.ID, c.ID, "next node is required")
			}
		}
		nodes[n.ID] = n
	}

	if g.StartID == "" {
		fail("", "", "start node id is required")
	} else if _, ok := nodes[g.StartID]; !ok {
		fail(g.StartID, "", "start node does not exist")
	}

	terminals := 0
	for _, n := range nodes {
		if n.Terminal && len(n.Choices) > 0 {
			fail(n.ID, "", "terminal node must have no choices")
		}
		if !n.Terminal && len(n.Choices) == 0 {
			fail(n.ID, "", "non-terminal node must have at least one choice")
		}
		if n.Terminal {
			terminals++
		}
		for _, c := range n.Choices {
			if c.NextID == "" {
				continue
			}
			if _, ok := nodes[c.NextID]; !ok {
				fail(n.ID, c.ID, fmt.Sprintf("references unknown node %s", c.NextID))
			}
		}
	}
	if terminals == 0 {
		fail("", "", "story has no terminal node")
	}

	// Reachability from the start node over choice edges. Orphans are
	// reported as warnings so a complete report still comes back in one pass.
	if _, ok := nodes[g.StartID]; ok {
		reached := map[string]bool{g.StartID: true}
		queue := []string{g.StartID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, c := range nodes[cur].Choices {
				if c.NextID == "" || reached[c.NextID] {
					continue
				}
				if _, exists := nodes[c.NextID]; !exists {
					continue
				}
				reached[c.NextID] = true
				queue = append(queue, c.NextID)
			}
		}
		for _, n := range g.Nodes {
			if n.ID != "" && !reached[n.ID] {
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("node %s is unreachable from %s", n.ID, g.StartID))
			}
		}
	}

	if !rep.OK() {
		return nil, rep
	}
	return &Graph{raw: g, nodes: nodes}, rep
}

// ErrNodeNotFound is returned by Node for unknown ids.
var ErrNodeNotFound = fmt.Errorf("story node not found")

// Node returns the node with the given id.
func (g *Graph) Node(id string) (domain.StoryNode, error) {
	n, ok := g.nodes[id]
	if !ok {
		return domain.StoryNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n, nil
}

// StartID returns the entry node id.
func (g *Graph) StartID() string { return g.raw.StartID }

// Title returns the story title.
func (g *Graph) Title() string { return g.raw.Title }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Raw returns the underlying definition, for persistence and recaps.
// Callers must not mutate it.
func (g *Graph) Raw() domain.StoryGraph { return g.raw }

// Choice finds a choice on a node.
func (g *Graph) Choice(nodeID, choiceID string) (domain.Choice, error) {
	n, err := g.Node(nodeID)
	if err != nil {
		return domain.Choice{}, err
	}
	for _, c := range n.Choices {
		if c.ID == choiceID {
			return c, nil
		}
	}
	return domain.Choice{}, fmt.Errorf("choice %s not found on node %s", choiceID, nodeID)
}

// FromYAML parses a story definition without validating it.
func FromYAML(data []byte) (domain.StoryGraph, error) {
	var g domain.StoryGraph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return domain.StoryGraph{}, fmt.Errorf("invalid story yaml: %w", err)
	}
	return g, nil
}

// FromFile reads a story definition from disk.
func FromFile(path string) (domain.StoryGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.StoryGraph{}, err
	}
	return FromYAML(data)
}
