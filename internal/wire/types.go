// Package wire defines the protocol data units exchanged between the master
// and the two rcpd daemons, and between the source and destination daemons.
//
// The on-wire form is protobuf wire format assembled by hand via
// encoding/protowire: every field has a stable tag number, unknown fields are
// skipped on decode, zero values are omitted on encode. Frames are
// length-delimited with a uvarint prefix.
package wire

import (
	"time"
)

// Role identifies which side of the copy a daemon plays.
type Role uint8

const (
	RoleInvalid Role = iota
	RoleSource
	RoleDestination
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleDestination:
		return "destination"
	}
	return "invalid"
}

// DryRunMode mirrors the --dry-run CLI surface.
type DryRunMode uint8

const (
	DryRunOff DryRunMode = iota
	DryRunBrief
	DryRunAll
	DryRunExplain
)

func (m DryRunMode) Enabled() bool { return m != DryRunOff }

// FileKind tags what kind of filesystem object a Metadata describes.
type FileKind uint8

const (
	KindOther FileKind = iota
	KindFile
	KindDir
	KindSymlink
)

func (k FileKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	}
	return "other"
}

// Metadata carries the stat attributes of a source object. The destination
// applies them subject to the PreserveSpec in effect.
type Metadata struct {
	Kind  FileKind
	Mode  uint32 // permission bits incl. setuid/setgid/sticky
	UID   uint32
	GID   uint32
	Mtime time.Time
	Atime time.Time
}

// PreserveSet says which attributes to preserve for one object class.
// ModeMask is AND'ed with the source mode before apply; zero means the mode
// is not preserved at all.
type PreserveSet struct {
	UID      bool
	GID      bool
	Times    bool
	ModeMask uint32
}

func (s PreserveSet) Any() bool {
	return s.UID || s.GID || s.Times || s.ModeMask != 0
}

// PreserveSpec groups the per-class preserve sets ("f:... d:... l:...").
type PreserveSpec struct {
	File    PreserveSet
	Dir     PreserveSet
	Symlink PreserveSet
}

func (s PreserveSpec) ForKind(k FileKind) PreserveSet {
	switch k {
	case KindDir:
		return s.Dir
	case KindSymlink:
		return s.Symlink
	default:
		return s.File
	}
}

// DefaultPreserveSpec is what plain --preserve expands to: everything, with
// the full 12-bit mode mask.
func DefaultPreserveSpec() PreserveSpec {
	all := PreserveSet{UID: true, GID: true, Times: true, ModeMask: 0o7777}
	return PreserveSpec{File: all, Dir: all, Symlink: all}
}

// CompareAttrs is the --overwrite-compare attribute bitmask. Files are
// considered identical iff all listed attributes are equal.
type CompareAttrs uint32

const (
	CmpUID CompareAttrs = 1 << iota
	CmpGID
	CmpMode
	CmpSize
	CmpMtime
	CmpCtime
)

// FilterRule is one include/exclude glob. Rules are evaluated in order;
// the first match decides. No match means include.
type FilterRule struct {
	Include bool
	Pattern string
	DirOnly bool
}

// FilterSpec is the source-side walk filter shipped in MasterHello.
type FilterSpec struct {
	Rules []FilterRule
}

func (f *FilterSpec) Empty() bool { return f == nil || len(f.Rules) == 0 }

// Tune carries the remote-transfer tuning knobs both daemons need.
type Tune struct {
	MaxConnections    uint32
	PendingMultiplier uint32
	BufferSize        uint64
	Compress          bool
}

// Summary is the counter set reported in RcpdResult. The destination's
// summary is authoritative for the run.
type Summary struct {
	FilesCopied          uint64
	BytesCopied          uint64
	FilesSkipped         uint64
	FilesUnchanged       uint64
	FilesSkippedExisting uint64
	SymlinksCreated      uint64
	SymlinksSkipped      uint64
	DirsCreated          uint64
	DirsFailed           uint64
	DirsRemoved          uint64
	Errors               uint64
}

func (s *Summary) Add(o Summary) {
	s.FilesCopied += o.FilesCopied
	s.BytesCopied += o.BytesCopied
	s.FilesSkipped += o.FilesSkipped
	s.FilesUnchanged += o.FilesUnchanged
	s.FilesSkippedExisting += o.FilesSkippedExisting
	s.SymlinksCreated += o.SymlinksCreated
	s.SymlinksSkipped += o.SymlinksSkipped
	s.DirsCreated += o.DirsCreated
	s.DirsFailed += o.DirsFailed
	s.DirsRemoved += o.DirsRemoved
	s.Errors += o.Errors
}
