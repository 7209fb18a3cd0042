package index

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/google/uuid"

	"github.com/perchfs/perch/internal/outline"
)

func testIndex() *Index {
	return New(log.New(io.Discard, "", 0))
}

func parseTree(t *testing.T, raw string) *outline.Tree {
	t.Helper()
	tree, err := outline.Parse(raw, outline.FormatOrg, outline.Options{})
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	tree.AssignIDs()
	return tree
}

func TestApplyAndLookup(t *testing.T) {
	ix := testIndex()
	tree := parseTree(t, "* TODO One\n** Two\n* Three\n")

	if renumbered := ix.Apply("a.org", tree); len(renumbered) != 0 {
		t.Fatalf("renumbered = %v, want none", renumbered)
	}
	if ix.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ix.Len())
	}

	two := tree.Children[0].Children[0]
	ref, ok := ix.ByID(two.ID)
	if !ok {
		t.Fatal("ByID() missed an indexed node")
	}
	if ref.Path != "a.org" || ref.Node.Title != "Two" {
		t.Errorf("ref = %+v", ref)
	}

	if path, ok := ix.Owner(two.ID); !ok || path != "a.org" {
		t.Errorf("Owner() = %q, %v", path, ok)
	}
	if _, ok := ix.ByID(uuid.New()); ok {
		t.Error("ByID() found a nonexistent id")
	}
}

func TestApply_ReplacesDocument(t *testing.T) {
	ix := testIndex()
	old := parseTree(t, "* One\n* Two\n")
	ix.Apply("a.org", old)

	replacement := parseTree(t, "* Only\n")
	ix.Apply("a.org", replacement)

	if ix.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after replacement", ix.Len())
	}
	if _, ok := ix.ByID(old.Children[0].ID); ok {
		t.Error("node from replaced tree still resolvable")
	}
}

func TestApply_RenumbersCollision(t *testing.T) {
	ix := testIndex()
	first := parseTree(t, "* TODO Original\n")
	ix.Apply("a.org", first)

	// The same id copied into a second document.
	dupe := first.Children[0].ID
	second := &outline.Tree{Children: []*outline.Node{{ID: dupe, Title: "Copy"}}}
	second.Relink()

	renumbered := ix.Apply("b.org", second)
	if len(renumbered) != 1 {
		t.Fatalf("renumbered = %v, want one resolution", renumbered)
	}
	if renumbered[0].Old != dupe {
		t.Errorf("old id = %s, want %s", renumbered[0].Old, dupe)
	}
	if renumbered[0].New == dupe || renumbered[0].New == uuid.Nil {
		t.Errorf("new id = %s", renumbered[0].New)
	}

	// The caller's tree carries the new id, ready for a corrective write.
	if second.Children[0].ID != renumbered[0].New {
		t.Error("caller tree not renumbered in place")
	}

	// The original keeps its id, the copy resolves under the new one.
	if ref, ok := ix.ByID(dupe); !ok || ref.Path != "a.org" {
		t.Errorf("original owner = %+v, %v", ref, ok)
	}
	if ref, ok := ix.ByID(renumbered[0].New); !ok || ref.Path != "b.org" {
		t.Errorf("copy owner = %+v, %v", ref, ok)
	}
}

func TestApply_SamePathReapplyIsNotCollision(t *testing.T) {
	ix := testIndex()
	tree := parseTree(t, "* One\n")
	ix.Apply("a.org", tree)
	if renumbered := ix.Apply("a.org", tree); len(renumbered) != 0 {
		t.Errorf("reapplying a document renumbered its own ids: %v", renumbered)
	}
}

func TestApplyAll_IDMigratesBetweenDocuments(t *testing.T) {
	ix := testIndex()
	src := parseTree(t, "* Task\n** Detail\n")
	dst := parseTree(t, "* Home\n")
	ix.Apply("src.org", src)
	ix.Apply("dst.org", dst)

	// Reparent the subtree into the other document and swap both trees in
	// one step. The ids must migrate, not collide with their old owner.
	task := src.Children[0]
	src.Children = nil
	dst.Children = append(dst.Children, task)
	src.Relink()
	dst.Relink()

	renumbered := ix.ApplyAll(map[string]*outline.Tree{"src.org": src, "dst.org": dst})
	if len(renumbered) != 0 {
		t.Fatalf("renumbered = %v, want none", renumbered)
	}
	if ref, ok := ix.ByID(task.ID); !ok || ref.Path != "dst.org" {
		t.Errorf("moved node = %+v, %v", ref, ok)
	}
	if ref, ok := ix.ByID(task.Children[0].ID); !ok || ref.Path != "dst.org" {
		t.Errorf("subtree node = %+v, %v", ref, ok)
	}
	if tree, _ := ix.ByPath("src.org"); len(tree.Children) != 0 {
		t.Errorf("source still holds %d nodes", len(tree.Children))
	}
}

func TestApplyAll_StillRenumbersAgainstOutsideDocuments(t *testing.T) {
	ix := testIndex()
	orig := parseTree(t, "* Original\n")
	ix.Apply("a.org", orig)

	dupe := &outline.Tree{Children: []*outline.Node{{ID: orig.Children[0].ID, Title: "Copy"}}}
	dupe.Relink()
	renumbered := ix.ApplyAll(map[string]*outline.Tree{"b.org": dupe})
	if len(renumbered) != 1 {
		t.Fatalf("renumbered = %v, want one resolution", renumbered)
	}
	if ref, ok := ix.ByID(orig.Children[0].ID); !ok || ref.Path != "a.org" {
		t.Errorf("original owner = %+v, %v", ref, ok)
	}
}

func TestRemove(t *testing.T) {
	ix := testIndex()
	tree := parseTree(t, "* One\n** Two\n")
	ix.Apply("a.org", tree)

	ix.Remove("a.org")
	if ix.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ix.Len())
	}
	if _, ok := ix.ByPath("a.org"); ok {
		t.Error("removed path still resolvable")
	}
	ix.Remove("missing.org") // no-op
}

func TestByPath_ReturnsClone(t *testing.T) {
	ix := testIndex()
	ix.Apply("a.org", parseTree(t, "* One\n"))

	got, ok := ix.ByPath("a.org")
	if !ok {
		t.Fatal("ByPath() missed")
	}
	got.Children[0].Title = "Mutated"

	again, _ := ix.ByPath("a.org")
	if again.Children[0].Title != "One" {
		t.Error("mutation through ByPath clone leaked into the index")
	}
}

func TestQuery(t *testing.T) {
	ix := testIndex()
	ix.Apply("b.org", parseTree(t, "* TODO Beta\n* DONE Done\n"))
	ix.Apply("a.org", parseTree(t, "* TODO Alpha :urgent:\n"))

	todos := ix.Query(func(n *outline.Node) bool { return n.State == "TODO" })
	if len(todos) != 2 {
		t.Fatalf("todos = %d, want 2", len(todos))
	}
	// Path order, then document order.
	if todos[0].Node.Title != "Alpha" || todos[1].Node.Title != "Beta" {
		t.Errorf("order = [%s %s]", todos[0].Node.Title, todos[1].Node.Title)
	}

	urgent := ix.Query(func(n *outline.Node) bool { return n.HasLabel("urgent") })
	if len(urgent) != 1 || urgent[0].Path != "a.org" {
		t.Errorf("urgent = %+v", urgent)
	}

	if none := ix.Query(func(*outline.Node) bool { return false }); len(none) != 0 {
		t.Errorf("empty predicate returned %d refs", len(none))
	}
}

func benchmarkIndex(b *testing.B, docs, nodesPerDoc int) *Index {
	b.Helper()
	ix := New(log.New(io.Discard, "", 0))
	for d := 0; d < docs; d++ {
		tree := &outline.Tree{}
		for n := 0; n < nodesPerDoc; n++ {
			state := "TODO"
			if n%3 == 0 {
				state = "DONE"
			}
			tree.Children = append(tree.Children, &outline.Node{
				ID:    uuid.New(),
				Title: "Task",
				State: state,
			})
		}
		tree.Relink()
		ix.Apply(fmt.Sprintf("doc-%03d.org", d), tree)
	}
	return ix
}

func BenchmarkByID(b *testing.B) {
	ix := benchmarkIndex(b, 50, 40)
	refs := ix.Query(func(*outline.Node) bool { return true })
	ids := make([]uuid.UUID, len(refs))
	for i, ref := range refs {
		ids[i] = ref.Node.ID
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := ix.ByID(ids[i%len(ids)]); !ok {
			b.Fatal("miss")
		}
	}
}

func BenchmarkQuery(b *testing.B) {
	ix := benchmarkIndex(b, 50, 40)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ix.Query(func(n *outline.Node) bool { return n.State == "TODO" })
	}
}

func TestPaths(t *testing.T) {
	ix := testIndex()
	ix.Apply("b.org", parseTree(t, "* One\n"))
	ix.Apply("a.org", parseTree(t, "* Two\n"))
	paths := ix.Paths()
	if len(paths) != 2 || paths[0] != "a.org" || paths[1] != "b.org" {
		t.Errorf("Paths() = %v", paths)
	}
}
