package story_test

import (
	"errors"
	"strings"
	"testing"

	"storyvote/internal/domain"
	"storyvote/internal/story"
)

func validGraph() domain.StoryGraph {
	return domain.StoryGraph{
		Title:   "The Cave",
		StartID: "n1",
		Nodes: []domain.StoryNode{
			{ID: "n1", Title: "Entrance", Body: "You stand at a cave mouth.", Choices: []domain.Choice{
				{ID: "c1", Label: "Go in", NextID: "n2"},
				{ID: "c2", Label: "Walk away", NextID: "n3"},
			}},
			{ID: "n2", Title: "Inside", Body: "It is dark.", Choices: []domain.Choice{
				{ID: "c1", Label: "Light a torch", NextID: "n3"},
			}},
			{ID: "n3", Title: "The End", Body: "The story ends here.", Terminal: true},
		},
	}
}

func TestValidateAcceptsValidGraph(t *testing.T) {
	g, rep := story.Validate(validGraph())
	if !rep.OK() {
		t.Fatalf("expected valid graph, got errors: %v", rep.Errors)
	}
	if len(rep.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", rep.Warnings)
	}
	if g.StartID() != "n1" {
		t.Fatalf("start id = %q", g.StartID())
	}
	if g.Len() != 3 {
		t.Fatalf("len = %d", g.Len())
	}
	node, err := g.Node("n2")
	if err != nil || node.Title != "Inside" {
		t.Fatalf("node lookup: %v %+v", err, node)
	}
	choice, err := g.Choice("n1", "c2")
	if err != nil || choice.NextID != "n3" {
		t.Fatalf("choice lookup: %v %+v", err, choice)
	}
}

func TestValidateNamesDanglingReference(t *testing.T) {
	g := validGraph()
	g.Nodes[1].Choices[0].NextID = "missing"
	graph, rep := story.Validate(g)
	if graph != nil || rep.OK() {
		t.Fatalf("expected validation failure")
	}
	found := false
	for _, e := range rep.Errors {
		if e.NodeID == "n2" && e.ChoiceID == "c1" && strings.Contains(e.Message, "missing") {
			found = true
		}
	}
	if !found {
		t.Fatalf("dangling reference not named: %v", rep.Errors)
	}
}

func TestValidateRequiresTerminalNode(t *testing.T) {
	g := validGraph()
	g.Nodes[2].Terminal = false
	g.Nodes[2].Choices = []domain.Choice{{ID: "c1", Label: "Loop", NextID: "n1"}}
	_, rep := story.Validate(g)
	if rep.OK() {
		t.Fatalf("expected failure for graph with no terminal node")
	}
}

func TestValidateTerminalChoiceExclusivity(t *testing.T) {
	g := validGraph()
	g.Nodes[2].Choices = []domain.Choice{{ID: "c1", Label: "Keep going", NextID: "n1"}}
	_, rep := story.Validate(g)
	if rep.OK() {
		t.Fatalf("terminal node with choices should fail")
	}

	g = validGraph()
	g.Nodes[1].Choices = nil
	_, rep = story.Validate(g)
	if rep.OK() {
		t.Fatalf("non-terminal node without choices should fail")
	}
}

func TestValidateReportsUnreachableAsWarning(t *testing.T) {
	g := validGraph()
	g.Nodes = append(g.Nodes, domain.StoryNode{ID: "orphan", Title: "Nowhere", Body: "Unlinked.", Terminal: true})
	graph, rep := story.Validate(g)
	if !rep.OK() {
		t.Fatalf("unreachable node must not be fatal: %v", rep.Errors)
	}
	if graph == nil {
		t.Fatalf("expected graph despite warnings")
	}
	if len(rep.Warnings) != 1 || !strings.Contains(rep.Warnings[0], "orphan") {
		t.Fatalf("warnings = %v", rep.Warnings)
	}
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	g := domain.StoryGraph{
		Title:   "Broken",
		StartID: "nope",
		Nodes: []domain.StoryNode{
			{ID: "a", Body: "no title", Choices: []domain.Choice{{ID: "c1", NextID: "gone"}}},
			{ID: "a", Title: "dup", Body: "duplicate id"},
		},
	}
	_, rep := story.Validate(g)
	if rep.OK() {
		t.Fatalf("expected failure")
	}
	if len(rep.Errors) < 3 {
		t.Fatalf("expected accumulated findings, got %v", rep.Errors)
	}
	if rep.Err() == nil {
		t.Fatalf("Err must flatten findings")
	}
}

func TestGraphNodeNotFound(t *testing.T) {
	g, rep := story.Validate(validGraph())
	if !rep.OK() {
		t.Fatal(rep.Errors)
	}
	_, err := g.Node("nope")
	if !errors.Is(err, story.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestFromYAML(t *testing.T) {
	data := []byte(`
title: Short
start: a
nodes:
  - id: a
    title: Start
    body: Pick one.
    choices:
      - id: c1
        label: End it
        next: b
  - id: b
    title: End
    body: Done.
    terminal: true
`)
	g, err := story.FromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.StartID != "a" || len(g.Nodes) != 2 {
		t.Fatalf("parsed graph = %+v", g)
	}
	if g.Nodes[0].Choices[0].NextID != "b" {
		t.Fatalf("choice next = %q", g.Nodes[0].Choices[0].NextID)
	}
	if _, rep := story.Validate(g); !rep.OK() {
		t.Fatalf("yaml graph should validate: %v", rep.Errors)
	}

	if _, err := story.FromYAML([]byte("{not yaml")); err == nil {
		t.Fatalf("expected parse error")
	}
}
