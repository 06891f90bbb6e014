// Package dest implements the destination daemon: the control-message
// dispatcher, the directory completion tracker, and the data-connection
// receiver loops.
package dest

import (
	"path/filepath"
	"sync"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

// trackedDir is the per-directory completion state. Owned by the Tracker;
// mutated only under its lock.
type trackedDir struct {
	expected    uint64
	processed   uint64
	keepIfEmpty bool
	meta        wire.Metadata
}

// Completion is the deferred side effect of a directory completing: apply
// its stored metadata (or remove it, for a filtered-empty directory).
// Completions are executed outside the tracker lock.
type Completion struct {
	Dst         string
	Meta        wire.Metadata
	RemoveEmpty bool
}

// Tracker decides when each destination directory is complete. A directory
// completes when processed >= expected; >= rather than == so a source tree
// shrinking mid-copy completes instead of hanging.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*trackedDir
	failed  map[string]struct{}

	structureComplete bool
	rootsExpected     int // -1 until DirStructureComplete arrives
	rootsSeen         int
}

func NewTracker() *Tracker {
	return &Tracker{
		pending:       make(map[string]*trackedDir),
		failed:        make(map[string]struct{}),
		rootsExpected: -1,
	}
}

func parentOf(p string) string { return filepath.Dir(p) }

// AncestorFailed reports whether any strict ancestor of dst failed.
func (t *Tracker) AncestorFailed(dst string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ancestorFailedLocked(dst)
}

func (t *Tracker) ancestorFailedLocked(dst string) bool {
	for p := parentOf(dst); ; {
		if _, ok := t.failed[p]; ok {
			return true
		}
		next := parentOf(p)
		if next == p {
			return false
		}
		p = next
	}
}

// AddDir registers a created directory and returns any completions this
// triggers (a directory with zero expected entries completes on the spot,
// possibly completing ancestors).
func (t *Tracker) AddDir(d *wire.Directory) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[d.Dst] = &trackedDir{
		expected:    d.EntryCount,
		keepIfEmpty: d.KeepIfEmpty,
		meta:        d.Meta,
	}
	if d.IsRoot {
		t.rootsSeen++
	}
	return t.maybeCompleteLocked(d.Dst)
}

// DirFailed records a failed directory creation. For a root the root is
// considered seen so the run cannot hang; otherwise the parent is charged
// one processed entry.
func (t *Tracker) DirFailed(dst string, isRoot bool) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[dst] = struct{}{}
	if isRoot {
		t.rootsSeen++
		return nil
	}
	return t.childDoneLocked(parentOf(dst))
}

// ChildDone charges one processed entry to parent and returns the resulting
// completions, walking up as directories finish.
func (t *Tracker) ChildDone(parent string) []Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childDoneLocked(parent)
}

// RootSeen records a non-directory root item (file or symlink, created or
// skipped).
func (t *Tracker) RootSeen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rootsSeen++
}

// StructureComplete records the end of the source's walk and how many root
// items to expect.
func (t *Tracker) StructureComplete(rootItems int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.structureComplete = true
	t.rootsExpected = rootItems
}

// Done reports the shutdown condition: the walk ended, every created
// directory completed, and every root item was seen.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.structureComplete && len(t.pending) == 0 &&
		t.rootsExpected >= 0 && t.rootsSeen >= t.rootsExpected
}

// PendingCount is exposed for the final consistency log line.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) childDoneLocked(parent string) []Completion {
	d, ok := t.pending[parent]
	if !ok {
		// parent is the copy root's parent, already complete, or failed
		return nil
	}
	d.processed++
	return t.maybeCompleteLocked(parent)
}

// maybeCompleteLocked completes dst if ready and then iterates up the
// ancestor chain. Iterative on purpose: deep trees must not recurse.
func (t *Tracker) maybeCompleteLocked(dst string) []Completion {
	var out []Completion
	for {
		d, ok := t.pending[dst]
		if !ok || d.processed < d.expected {
			return out
		}
		delete(t.pending, dst)
		out = append(out, Completion{
			Dst:         dst,
			Meta:        d.meta,
			RemoveEmpty: !d.keepIfEmpty && d.expected == 0,
		})
		dst = parentOf(dst)
		d, ok = t.pending[dst]
		if !ok {
			return out
		}
		d.processed++
	}
}
