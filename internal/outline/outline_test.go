package outline

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParse_OrgBasics(t *testing.T) {
	raw := `#+title: Groceries
#+filetags: :home:errands:

* TODO Buy milk :urgent:
:PROPERTIES:
:ID: 4fbe9c2e-1f20-49e8-bd2a-8f0a3c9d8e11
:END:
Remember the lactose-free kind.

** DONE Compare prices
`
	tree, err := Parse(raw, FormatOrg, Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if tree.Title != "Groceries" {
		t.Errorf("title = %q, want %q", tree.Title, "Groceries")
	}
	if len(tree.Labels) != 2 || tree.Labels[0] != "home" || tree.Labels[1] != "errands" {
		t.Errorf("labels = %v, want [home errands]", tree.Labels)
	}
	if len(tree.Children) != 1 {
		t.Fatalf("top-level nodes = %d, want 1", len(tree.Children))
	}

	milk := tree.Children[0]
	if milk.State != "TODO" {
		t.Errorf("state = %q, want TODO", milk.State)
	}
	if milk.Title != "Buy milk" {
		t.Errorf("title = %q, want %q", milk.Title, "Buy milk")
	}
	if len(milk.Labels) != 1 || milk.Labels[0] != "urgent" {
		t.Errorf("labels = %v, want [urgent]", milk.Labels)
	}
	if milk.ID.String() != "4fbe9c2e-1f20-49e8-bd2a-8f0a3c9d8e11" {
		t.Errorf("id = %s", milk.ID)
	}
	if milk.Body != "Remember the lactose-free kind." {
		t.Errorf("body = %q", milk.Body)
	}

	if len(milk.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(milk.Children))
	}
	child := milk.Children[0]
	if child.State != "DONE" || child.Title != "Compare prices" {
		t.Errorf("child = %q/%q", child.State, child.Title)
	}
	if child.ParentID != milk.ID {
		t.Errorf("child parent = %s, want %s", child.ParentID, milk.ID)
	}
}

func TestParse_MarkdownFrontMatter(t *testing.T) {
	raw := `---
title: Reading list
labels: [books]
---

# TODO Finish the compilers book
<!-- id: 9d0b11a4-33c2-4b71-a9ce-5f1d2e3a4b5c -->
Halfway through chapter six.

## Take notes
`
	tree, err := Parse(raw, FormatMarkdown, Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if tree.Title != "Reading list" {
		t.Errorf("title = %q", tree.Title)
	}
	if len(tree.Labels) != 1 || tree.Labels[0] != "books" {
		t.Errorf("labels = %v", tree.Labels)
	}
	if len(tree.Children) != 1 {
		t.Fatalf("top-level nodes = %d, want 1", len(tree.Children))
	}
	node := tree.Children[0]
	if node.ID == uuid.Nil {
		t.Error("id was not parsed from comment")
	}
	if len(node.Children) != 1 || node.Children[0].Title != "Take notes" {
		t.Errorf("children = %+v", node.Children)
	}
	// The nested heading carries no id yet.
	if node.Children[0].ID != uuid.Nil {
		t.Errorf("nested id = %s, want nil", node.Children[0].ID)
	}
}

func TestParse_Planning(t *testing.T) {
	raw := `* TODO Pay rent
SCHEDULED: <2026-09-01 Tue> DEADLINE: <2026-09-03 Thu 17:30>
`
	tree, err := Parse(raw, FormatOrg, Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	node := tree.Children[0]
	if node.Scheduled == nil || node.Scheduled.Format("2006-01-02") != "2026-09-01" {
		t.Errorf("scheduled = %v", node.Scheduled)
	}
	if node.Deadline == nil {
		t.Fatal("deadline missing")
	}
	if got := node.Deadline.Format("2006-01-02 15:04"); got != "2026-09-03 17:30" {
		t.Errorf("deadline = %q", got)
	}
}

func TestParse_Errors(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		raw  string
		opts Options
	}{
		{
			name: "duplicate id",
			raw: "* One\n:PROPERTIES:\n:ID: " + id.String() + "\n:END:\n" +
				"* Two\n:PROPERTIES:\n:ID: " + id.String() + "\n:END:\n",
		},
		{
			name: "invalid id",
			raw:  "* One\n:PROPERTIES:\n:ID: not-a-uuid\n:END:\n",
		},
		{
			name: "unterminated drawer",
			raw:  "* One\n:PROPERTIES:\n:ID: " + id.String() + "\n",
		},
		{
			name: "unknown label",
			raw:  "* One :weird:\n",
			opts: Options{Labels: []string{"home"}},
		},
		{
			name: "bad timestamp",
			raw:  "* One\nSCHEDULED: <not-a-date>\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw, FormatOrg, tt.opts); err == nil {
				t.Error("Parse() succeeded, want error")
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	sched := time.Date(2026, 9, 1, 0, 0, 0, 0, time.Local)
	deadline := time.Date(2026, 9, 3, 17, 30, 0, 0, time.Local)
	tree := &Tree{
		Title:  "Projects",
		Labels: []string{"work"},
		Children: []*Node{
			{
				ID:        uuid.New(),
				Title:     "Ship the release",
				State:     "TODO",
				Labels:    []string{"urgent", "q3"},
				Scheduled: &sched,
				Deadline:  &deadline,
				Body:      "Cut the branch first.\nThen tag.",
				Children: []*Node{
					{ID: uuid.New(), Title: "Write changelog", State: "DONE"},
					{ID: uuid.New(), Title: "Update docs"},
				},
			},
			{ID: uuid.New(), Title: "Plan next quarter"},
		},
	}
	tree.Relink()

	for _, format := range []Format{FormatOrg, FormatMarkdown} {
		t.Run(format.String(), func(t *testing.T) {
			rendered := tree.Render(format)
			parsed, err := Parse(rendered, format, Options{})
			if err != nil {
				t.Fatalf("Parse(Render()) failed: %v\nrendered:\n%s", err, rendered)
			}
			assertTreesEqual(t, tree, parsed)

			// Rendering the reparsed tree must be a fixed point.
			if again := parsed.Render(format); again != rendered {
				t.Errorf("second render differs\nfirst:\n%s\nsecond:\n%s", rendered, again)
			}
		})
	}
}

func TestAssignIDs(t *testing.T) {
	raw := "* TODO One\n** Two\n* Three\n"
	tree, err := Parse(raw, FormatOrg, Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	forced := tree.AssignIDs()
	if len(forced) != 3 {
		t.Fatalf("forced ids = %d, want 3", len(forced))
	}
	tree.Walk(func(n *Node, _ *Node, _ []int) bool {
		if n.ID == uuid.Nil {
			t.Errorf("node %q still has nil id", n.Title)
		}
		return true
	})

	// A second pass assigns nothing.
	if forced := tree.AssignIDs(); len(forced) != 0 {
		t.Errorf("second AssignIDs forced %d ids, want 0", len(forced))
	}
}

func TestFindAndAt(t *testing.T) {
	raw := "* One\n** Two\n*** Three\n* Four\n"
	tree, err := Parse(raw, FormatOrg, Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	tree.AssignIDs()

	three := tree.Children[0].Children[0].Children[0]
	node, pos, ok := tree.Find(three.ID)
	if !ok || node != three {
		t.Fatalf("Find() = %v, %v", node, ok)
	}
	if len(pos) != 3 || pos[0] != 0 || pos[1] != 0 || pos[2] != 0 {
		t.Errorf("pos = %v, want [0 0 0]", pos)
	}
	if tree.At(pos) != three {
		t.Errorf("At(%v) did not resolve to the found node", pos)
	}
	if tree.At([]int{5}) != nil {
		t.Error("At() with out-of-range position should return nil")
	}
}

func TestClone_Isolation(t *testing.T) {
	raw := "* TODO One :a:\n** Two\n"
	tree, err := Parse(raw, FormatOrg, Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	tree.AssignIDs()

	clone := tree.Clone()
	clone.Children[0].Title = "Changed"
	clone.Children[0].Labels[0] = "b"
	clone.Children[0].Children = nil

	if tree.Children[0].Title != "One" {
		t.Error("clone mutation leaked into original title")
	}
	if tree.Children[0].Labels[0] != "a" {
		t.Error("clone mutation leaked into original labels")
	}
	if len(tree.Children[0].Children) != 1 {
		t.Error("clone mutation leaked into original children")
	}
}

// assertTreesEqual compares the semantic content of two trees, ignoring
// layout differences.
func assertTreesEqual(t *testing.T, want, got *Tree) {
	t.Helper()
	if want.Title != got.Title {
		t.Errorf("title = %q, want %q", got.Title, want.Title)
	}
	if strings.Join(want.Labels, ",") != strings.Join(got.Labels, ",") {
		t.Errorf("labels = %v, want %v", got.Labels, want.Labels)
	}
	var wantNodes, gotNodes []*Node
	want.Walk(func(n *Node, _ *Node, _ []int) bool { wantNodes = append(wantNodes, n); return true })
	got.Walk(func(n *Node, _ *Node, _ []int) bool { gotNodes = append(gotNodes, n); return true })
	if len(wantNodes) != len(gotNodes) {
		t.Fatalf("node count = %d, want %d", len(gotNodes), len(wantNodes))
	}
	for i := range wantNodes {
		w, g := wantNodes[i], gotNodes[i]
		if w.ID != g.ID || w.Title != g.Title || w.State != g.State || w.Body != g.Body {
			t.Errorf("node %d = %+v, want %+v", i, g, w)
		}
		if strings.Join(w.Labels, ",") != strings.Join(g.Labels, ",") {
			t.Errorf("node %d labels = %v, want %v", i, g.Labels, w.Labels)
		}
		if !timePtrEqual(w.Scheduled, g.Scheduled) {
			t.Errorf("node %d scheduled = %v, want %v", i, g.Scheduled, w.Scheduled)
		}
		if !timePtrEqual(w.Deadline, g.Deadline) {
			t.Errorf("node %d deadline = %v, want %v", i, g.Deadline, w.Deadline)
		}
	}
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// benchmarkDocument builds a document with n top-level headings, each with a
// child and a body line.
func benchmarkDocument(n int) string {
	var b strings.Builder
	b.WriteString("#+title: Benchmark\n\n")
	for i := 0; i < n; i++ {
		id := uuid.New()
		b.WriteString("* TODO Heading number ")
		b.WriteString(id.String()[:8])
		b.WriteString(" :bench:\n:PROPERTIES:\n:ID: ")
		b.WriteString(id.String())
		b.WriteString("\n:END:\nSome body text for this heading.\n\n** Child heading\n\n")
	}
	return b.String()
}

func BenchmarkParse(b *testing.B) {
	raw := benchmarkDocument(200)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Parse(raw, FormatOrg, Options{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRender(b *testing.B) {
	tree, err := Parse(benchmarkDocument(200), FormatOrg, Options{})
	if err != nil {
		b.Fatal(err)
	}
	tree.AssignIDs()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = tree.Render(FormatOrg)
	}
}
