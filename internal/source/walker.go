package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp-sub000/internal/fsmeta"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// maxWalkDepth bounds recursion. With --dereference a symlink cycle could
// otherwise walk forever; without it the bound is far beyond any real tree.
const maxWalkDepth = 4096

type entryKind uint8

const (
	entryDir entryKind = iota
	entryFile
	entrySymlink
	entrySymlinkBroken // --dereference target missing; becomes SymlinkSkipped
)

type walkEntry struct {
	name string
	kind entryKind
}

// walkState carries per-walk bookkeeping: the dereference cycle guard is a
// set of (dev, inode) pairs along the current directory chain.
type walkState struct {
	senders *errgroup.Group
	ctx     context.Context
	onPath  map[devIno]struct{}
}

type devIno struct {
	dev uint64
	ino uint64
}

func devInoOf(fi fs.FileInfo) (devIno, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return devIno{}, false
	}
	return devIno{dev: uint64(st.Dev), ino: uint64(st.Ino)}, true
}

func (s *Source) walkRoots(ctx context.Context, senders *errgroup.Group) error {
	ws := &walkState{senders: senders, ctx: ctx, onPath: make(map[devIno]struct{})}
	for _, src := range s.hello.SrcPaths {
		if err := s.walkRoot(ws, src); err != nil {
			return err
		}
	}
	return nil
}

// walkRoot handles one top-level argument. A root whose metadata cannot be
// read fails the whole run: the destination would otherwise wait forever
// for a root item that never arrives.
func (s *Source) walkRoot(ws *walkState, src string) error {
	dst := s.destFor(src)
	fi, err := s.statEntry(src)
	if err != nil {
		return fmt.Errorf("root item %s: %w", src, err)
	}
	meta := fsmeta.FromFileInfo(fi)
	switch meta.Kind {
	case wire.KindDir:
		s.rootItems++
		return s.walkDir(ws, src, dst, "", fi, true, 0)
	case wire.KindSymlink:
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("root item %s: readlink: %w", src, err)
		}
		s.rootItems++
		return s.ctrl.WriteMessage(&wire.Symlink{
			Src: src, Dst: dst, Target: target, Meta: meta, IsRoot: true,
		})
	case wire.KindFile:
		if s.dryRun() {
			s.log.With(slog.String("src", src)).Info("dry run: would copy file")
			return nil
		}
		s.rootItems++
		ws.senders.Go(func() error {
			return s.sendFile(ws.ctx, src, dst, true)
		})
		return nil
	default:
		return fmt.Errorf("root item %s: unsupported file type", src)
	}
}

// statEntry stats a path honoring --dereference.
func (s *Source) statEntry(path string) (fs.FileInfo, error) {
	if s.hello.Deref {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		return fi, nil
	}
	return fsmeta.Lstat(path)
}

// walkDir emits this directory, recurses into subdirectories, emits
// symlinks, and arranges for files to be sent once the destination
// acknowledges the directory.
func (s *Source) walkDir(ws *walkState, src, dst, rel string, fi fs.FileInfo, isRoot bool, depth int) error {
	if err := ws.ctx.Err(); err != nil {
		return err
	}
	if depth > maxWalkDepth {
		return fmt.Errorf("walk %s: deeper than %d levels", src, maxWalkDepth)
	}
	log := s.log.With(slog.String("src", src))

	if s.hello.Deref {
		if id, ok := devInoOf(fi); ok {
			if _, seen := ws.onPath[id]; seen {
				log.Warn("symlink cycle, not descending")
				// the parent counted this entry; account it as skipped
				return s.ctrl.WriteMessage(&wire.FileSkipped{Src: src, Dst: dst})
			}
			ws.onPath[id] = struct{}{}
			defer delete(ws.onPath, id)
		}
	}

	entries, listErr := s.listDir(src, rel, log)
	if listErr != nil && s.hello.FailEarly {
		return listErr
	}

	var fileNames []string
	var entryCount, fileCount uint64
	for _, e := range entries {
		entryCount++
		if e.kind == entryFile {
			fileCount++
			fileNames = append(fileNames, e.name)
		}
	}

	dir := &wire.Directory{
		Src: src, Dst: dst, Meta: fsmeta.FromFileInfo(fi), IsRoot: isRoot,
		EntryCount: entryCount, FileCount: fileCount,
		KeepIfEmpty: s.filt == nil,
	}
	var created chan *wire.DirectoryCreated
	if fileCount > 0 {
		created = s.registerWaiter(dst)
	}
	if err := s.ctrl.WriteMessage(dir); err != nil {
		return fmt.Errorf("send Directory %s: %w", src, err)
	}

	if created != nil {
		job := &dirJob{src: src, dst: dst, fileNames: fileNames, created: created}
		ws.senders.Go(func() error { return s.sendDirFiles(ws.ctx, job) })
	}

	// children: subdirectories first so every Directory precedes its own
	// children on the stream, then symlinks; files go via the data path
	for _, e := range entries {
		if e.kind != entryDir {
			continue
		}
		childSrc := filepath.Join(src, e.name)
		childFi, err := s.statEntry(childSrc)
		if err != nil {
			// vanished or unreadable since listing; account it as a
			// skipped entry so the destination's count still closes
			logging.WithError(log, err, "subdirectory vanished, skipping")
			s.counters.Error()
			if werr := s.ctrl.WriteMessage(&wire.FileSkipped{
				Src: childSrc, Dst: filepath.Join(dst, e.name),
			}); werr != nil {
				return werr
			}
			if s.hello.FailEarly {
				return fmt.Errorf("walk %s: %w", childSrc, err)
			}
			continue
		}
		if err := s.walkDir(ws, childSrc, filepath.Join(dst, e.name),
			joinRel(rel, e.name), childFi, false, depth+1); err != nil {
			return err
		}
	}

	for _, e := range entries {
		switch e.kind {
		case entrySymlink:
			if err := s.emitSymlink(src, dst, e.name); err != nil {
				return err
			}
		case entrySymlinkBroken:
			if err := s.ctrl.WriteMessage(&wire.SymlinkSkipped{
				Src: filepath.Join(src, e.name), Dst: filepath.Join(dst, e.name),
			}); err != nil {
				return err
			}
			s.counters.SymlinkSkipped()
		}
	}
	return nil
}

// listDir enumerates and classifies a directory's children after
// filtering. A listing failure yields an empty child set so the directory
// still gets announced and completes on the destination.
func (s *Source) listDir(src, rel string, log *slog.Logger) ([]walkEntry, error) {
	dirents, err := os.ReadDir(src)
	if err != nil {
		logging.WithError(log, err, "cannot list directory")
		s.counters.Error()
		return nil, fmt.Errorf("list %s: %w", src, err)
	}
	out := make([]walkEntry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		childRel := joinRel(rel, name)
		kind, ok := s.classify(src, de, log)
		if !ok {
			continue
		}
		if !s.filt.Match(childRel, kind == entryDir) {
			log.With(slog.String("entry", childRel)).Debug("filtered out")
			continue
		}
		out = append(out, walkEntry{name: name, kind: kind})
	}
	return out, nil
}

func (s *Source) classify(src string, de fs.DirEntry, log *slog.Logger) (entryKind, bool) {
	mode := de.Type()
	if mode&fs.ModeSymlink != 0 {
		if !s.hello.Deref {
			return entrySymlink, true
		}
		fi, err := os.Stat(filepath.Join(src, de.Name()))
		if err != nil {
			// dangling symlink under --dereference
			return entrySymlinkBroken, true
		}
		mode = fi.Mode()
	}
	switch {
	case mode.IsDir():
		return entryDir, true
	case mode.IsRegular():
		return entryFile, true
	default:
		log.With(slog.String("entry", de.Name())).
			Warn("skipping special file")
		return 0, false
	}
}

func (s *Source) emitSymlink(parentSrc, parentDst, name string) error {
	src := filepath.Join(parentSrc, name)
	dst := filepath.Join(parentDst, name)
	fi, err := os.Lstat(src)
	if err == nil {
		var target string
		target, err = os.Readlink(src)
		if err == nil {
			return s.ctrl.WriteMessage(&wire.Symlink{
				Src: src, Dst: dst, Target: target,
				Meta: fsmeta.FromFileInfo(fi),
			})
		}
	}
	logging.WithError(s.log.With(slog.String("src", src)), err, "cannot read symlink")
	s.counters.SymlinkSkipped()
	s.counters.Error()
	if werr := s.ctrl.WriteMessage(&wire.SymlinkSkipped{Src: src, Dst: dst}); werr != nil {
		return werr
	}
	if s.hello.FailEarly {
		return fmt.Errorf("symlink %s: %w", src, err)
	}
	return nil
}

func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}
