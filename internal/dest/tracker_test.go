package dest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

func dirMsg(dst string, entries, files uint64, isRoot bool) *wire.Directory {
	return &wire.Directory{
		Src: "/src", Dst: dst,
		Meta:       wire.Metadata{Kind: wire.KindDir, Mode: 0o755},
		IsRoot:     isRoot,
		EntryCount: entries, FileCount: files,
		KeepIfEmpty: true,
	}
}

func TestEmptyRootCompletesImmediately(t *testing.T) {
	tr := NewTracker()
	comps := tr.AddDir(dirMsg("/d", 0, 0, true))
	require.Len(t, comps, 1)
	assert.Equal(t, "/d", comps[0].Dst)
	assert.False(t, comps[0].RemoveEmpty, "keep_if_empty holds the directory")

	assert.False(t, tr.Done(), "structure not yet complete")
	tr.StructureComplete(1)
	assert.True(t, tr.Done())
}

func TestBottomUpCompletion(t *testing.T) {
	tr := NewTracker()
	// /d contains one entry: subdirectory /d/a with two files
	require.Empty(t, tr.AddDir(dirMsg("/d", 1, 0, true)))
	require.Empty(t, tr.AddDir(dirMsg("/d/a", 2, 2, false)))

	require.Empty(t, tr.ChildDone("/d/a"))
	comps := tr.ChildDone("/d/a")
	// /d/a completes on its second entry, which completes /d
	require.Len(t, comps, 2)
	assert.Equal(t, "/d/a", comps[0].Dst, "child completes before parent")
	assert.Equal(t, "/d", comps[1].Dst)

	tr.StructureComplete(1)
	assert.True(t, tr.Done())
}

func TestCompletionUsesAtLeastNotEqual(t *testing.T) {
	tr := NewTracker()
	require.Empty(t, tr.AddDir(dirMsg("/d", 1, 1, true)))
	require.Len(t, tr.ChildDone("/d"), 1)

	// a late extra entry (source changed mid-copy) must not underflow or
	// resurrect the directory
	assert.Empty(t, tr.ChildDone("/d"))
}

func TestFailedRootSetsRootSeen(t *testing.T) {
	tr := NewTracker()
	assert.Empty(t, tr.DirFailed("/d", true))
	tr.StructureComplete(1)
	assert.True(t, tr.Done(), "failed root must not hang the run")
}

func TestFailedDirChargesParentAndPoisonsDescendants(t *testing.T) {
	tr := NewTracker()
	require.Empty(t, tr.AddDir(dirMsg("/d", 1, 0, true)))

	comps := tr.DirFailed("/d/a", false)
	require.Len(t, comps, 1, "failed child is the parent's only entry")
	assert.Equal(t, "/d", comps[0].Dst)

	assert.True(t, tr.AncestorFailed("/d/a/b"))
	assert.True(t, tr.AncestorFailed("/d/a/b/c/deep"))
	assert.False(t, tr.AncestorFailed("/d/other"))
}

func TestDeepNestingCompletesWithoutRecursion(t *testing.T) {
	tr := NewTracker()
	const depth = 300
	path := "/d"
	require.Empty(t, tr.AddDir(dirMsg(path, 1, 0, true)))
	for i := 1; i < depth; i++ {
		path = fmt.Sprintf("%s/l%d", path, i)
		require.Empty(t, tr.AddDir(dirMsg(path, 1, 0, false)))
	}
	// the innermost directory holds one file; its completion must unwind
	// the whole chain
	comps := tr.ChildDone(path)
	assert.Len(t, comps, depth)
	assert.Equal(t, path, comps[0].Dst)
	assert.Equal(t, "/d", comps[depth-1].Dst)

	tr.StructureComplete(1)
	assert.True(t, tr.Done())
}

func TestRemoveEmptyOnlyForFilteredDirs(t *testing.T) {
	tr := NewTracker()
	msg := dirMsg("/d", 0, 0, true)
	msg.KeepIfEmpty = false
	comps := tr.AddDir(msg)
	require.Len(t, comps, 1)
	assert.True(t, comps[0].RemoveEmpty)
}

func TestNoRootItemRun(t *testing.T) {
	tr := NewTracker()
	// dry run eliminated the root: zero root items expected
	tr.StructureComplete(0)
	assert.True(t, tr.Done())
}

func TestDoneWaitsForRootFileOnDataPath(t *testing.T) {
	tr := NewTracker()
	tr.StructureComplete(1)
	assert.False(t, tr.Done(), "root file still in flight on a data connection")
	tr.RootSeen()
	assert.True(t, tr.Done())
}

func TestMultipleRoots(t *testing.T) {
	tr := NewTracker()
	require.Len(t, tr.AddDir(dirMsg("/d/a", 0, 0, true)), 1)
	tr.RootSeen() // a root file
	tr.StructureComplete(3)
	assert.False(t, tr.Done())
	tr.RootSeen() // a root symlink
	assert.True(t, tr.Done())
}

func TestChildDoneForUnknownParentIsNoop(t *testing.T) {
	tr := NewTracker()
	assert.Empty(t, tr.ChildDone("/nowhere"))
}
