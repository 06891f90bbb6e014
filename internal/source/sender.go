package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wykurz/rcp-sub000/internal/fsmeta"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// dirJob is one directory's file-sending work, parked until the
// destination acknowledges the directory.
type dirJob struct {
	src       string
	dst       string
	fileNames []string
	created   chan *wire.DirectoryCreated
}

// sendDirFiles waits for DirectoryCreated and then performs the send-time
// enumeration: files present both at walk time and now are sent; files
// that vanished become synthetic FileSkipped messages; files that appeared
// are ignored with a warning so we never exceed the announced file_count.
func (s *Source) sendDirFiles(ctx context.Context, job *dirJob) error {
	select {
	case <-job.created:
	case <-s.recvDone:
		// the destination finished (or died) without acknowledging this
		// directory; its creation failed and its files are unwanted
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	log := s.log.With(slog.String("src", job.src))

	if s.dryRun() {
		for _, name := range job.fileNames {
			log.With(slog.String("file", name)).Info("dry run: would copy file")
			if err := s.ctrl.WriteMessage(&wire.FileSkipped{
				Src: filepath.Join(job.src, name),
				Dst: filepath.Join(job.dst, name),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	dirents, err := os.ReadDir(job.src)
	if err != nil {
		// the directory went unreadable between walk and send: every
		// announced file is accounted with a synthetic skip
		logging.WithError(log, err, "directory unreadable at send time")
		s.counters.Error()
		for _, name := range job.fileNames {
			if werr := s.skipFile(job, name); werr != nil {
				return werr
			}
		}
		if s.hello.FailEarly {
			return fmt.Errorf("enumerate %s: %w", job.src, err)
		}
		return nil
	}

	now := make(map[string]struct{}, len(dirents))
	for _, de := range dirents {
		mode := de.Type()
		if mode&os.ModeSymlink != 0 && s.hello.Deref {
			// the walk classified a followed symlink by its target
			if fi, err := os.Stat(filepath.Join(job.src, de.Name())); err == nil {
				mode = fi.Mode()
			}
		}
		if mode.IsRegular() {
			now[de.Name()] = struct{}{}
		}
	}
	walkSet := make(map[string]struct{}, len(job.fileNames))

	for _, name := range job.fileNames {
		walkSet[name] = struct{}{}
		if _, ok := now[name]; !ok {
			log.With(slog.String("file", name)).Warn("file vanished since walk")
			if err := s.skipFile(job, name); err != nil {
				return err
			}
			continue
		}
		src := filepath.Join(job.src, name)
		dst := filepath.Join(job.dst, name)
		s.senders.Go(func() error { return s.sendFile(ctx, src, dst, false) })
	}

	for name := range now {
		if _, ok := walkSet[name]; !ok {
			log.With(slog.String("file", name)).
				Warn("new file appeared since walk, ignoring")
		}
	}
	return nil
}

func (s *Source) skipFile(job *dirJob, name string) error {
	s.counters.FileSkipped()
	return s.ctrl.WriteMessage(&wire.FileSkipped{
		Src: filepath.Join(job.src, name),
		Dst: filepath.Join(job.dst, name),
	})
}

// sendFile moves one file across a pooled data connection. The acquisition
// order is fixed: pending-task permit, then a connection, then the file
// descriptor, then the send buffer. File descriptors and buffers are
// thereby bounded by max_connections, not by the queue depth.
func (s *Source) sendFile(ctx context.Context, src, dst string, isRoot bool) error {
	if err := s.pendingSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("pending-task permit: %w", err)
	}
	defer s.pendingSem.Release(1)

	conn, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := s.thr.AcquireOp(ctx); err != nil {
		s.pool.Put(conn)
		return err
	}
	if err := s.thr.AcquireFile(ctx); err != nil {
		s.pool.Put(conn)
		return err
	}
	defer s.thr.ReleaseFile()

	log := s.log.With(slog.String("src", src))
	f, err := os.Open(src)
	if err != nil {
		s.pool.Put(conn)
		logging.WithError(log, err, "cannot open file")
		s.counters.FileSkipped()
		s.counters.Error()
		if isRoot {
			// the destination learns about missing root files via the
			// root_items count, which was already committed; failing the
			// run is the only way to keep it from waiting
			return fmt.Errorf("open root item %s: %w", src, err)
		}
		if werr := s.ctrl.WriteMessage(&wire.FileSkipped{Src: src, Dst: dst}); werr != nil {
			return werr
		}
		if s.hello.FailEarly {
			return fmt.Errorf("open %s: %w", src, err)
		}
		return nil
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.pool.Put(conn)
		logging.WithError(log, err, "cannot stat file")
		s.counters.FileSkipped()
		s.counters.Error()
		if isRoot {
			return fmt.Errorf("stat root item %s: %w", src, err)
		}
		if werr := s.ctrl.WriteMessage(&wire.FileSkipped{Src: src, Dst: dst}); werr != nil {
			return werr
		}
		if s.hello.FailEarly {
			return fmt.Errorf("stat %s: %w", src, err)
		}
		return nil
	}
	size := uint64(fi.Size())

	bufSize := size
	if limit := s.hello.Tune.BufferSize; bufSize > limit {
		bufSize = limit
	}
	buf := s.bufs.Get(bufSize)
	defer buf.Free()

	hdr := &wire.FileHeader{
		Src: src, Dst: dst, Size: size,
		Meta: fsmeta.FromFileInfo(fi), IsRoot: isRoot,
	}
	// From the first header byte on, any failure desynchronizes the
	// stream: the connection is aborted instead of returned and the run
	// fails.
	if err := s.streamFile(ctx, conn, hdr, f, buf.Bytes()); err != nil {
		conn.Abort()
		s.counters.Error()
		return fmt.Errorf("send %s: %w", src, err)
	}
	s.pool.Put(conn)
	s.counters.FileCopied(size)
	log.With(slog.Uint64("bytes", size)).Debug("file sent")
	return nil
}

func (s *Source) streamFile(ctx context.Context, conn io.Writer, hdr *wire.FileHeader, f *os.File, buf []byte) error {
	if _, err := conn.Write(wire.AppendFrame(nil, hdr)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	var written uint64
	for written < hdr.Size {
		n, rerr := f.Read(buf)
		if n > 0 {
			if uint64(n) > hdr.Size-written {
				// file grew since the header went out; send exactly what
				// was announced and ignore the rest
				n = int(hdr.Size - written)
			}
			if err := s.thr.AcquireIO(ctx, int64(n)); err != nil {
				return err
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write payload at %d/%d: %w", written, hdr.Size, werr)
			}
			written += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read at %d/%d: %w", written, hdr.Size, rerr)
		}
	}
	if written != hdr.Size {
		return fmt.Errorf("file shrank: sent %d of %d bytes", written, hdr.Size)
	}
	if fl, ok := conn.(interface{ Flush() error }); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}
