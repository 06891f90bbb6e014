package dest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/wykurz/rcp-sub000/internal/fsmeta"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// Per-file failure handling distinguishes where on the stream the error
// hit. An error before any payload byte is consumed (open failed, ancestor
// failed) drains the advertised size and the connection keeps serving
// files; an error after the payload is fully consumed (metadata apply) is
// already at a header boundary. Only a mid-payload error corrupts the
// stream: the connection is closed and, since the file can never be
// accounted, the run aborts.
//
// receiveLoop serves one data connection: header, payload, repeat, until
// the source closes the stream.
func (d *Dest) receiveLoop(ctx context.Context, r *transport.DataReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := wire.ReadMessage(r.Br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read file header: %w", err)
		}
		hdr, ok := m.(*wire.FileHeader)
		if !ok {
			return fmt.Errorf("unexpected message %T on data connection", m)
		}
		if err := d.receiveFile(hdr, r); err != nil {
			return err
		}
		if err := d.checkDone(); err != nil {
			return err
		}
	}
}

func (d *Dest) receiveFile(hdr *wire.FileHeader, r *transport.DataReader) error {
	log := d.log.With(slog.String("dst", hdr.Dst), slog.Uint64("size", hdr.Size))

	account := func() error {
		if hdr.IsRoot {
			d.tracker.RootSeen()
			return nil
		}
		return d.applyCompletions(d.tracker.ChildDone(parentOf(hdr.Dst)))
	}
	// skip discards the payload (NeedsDrain) and accounts the entry.
	skip := func(reason error, count func()) error {
		if reason != nil {
			logging.WithError(log, reason, "skipping file")
		}
		if err := d.drain(r, hdr.Size); err != nil {
			return err
		}
		count()
		if err := account(); err != nil {
			return err
		}
		if reason != nil && d.hello.FailEarly {
			return fmt.Errorf("receive %s: %w: %w", hdr.Dst, reason, errFailEarly)
		}
		return nil
	}

	if !hdr.IsRoot && d.tracker.AncestorFailed(hdr.Dst) {
		return skip(nil, func() { d.counters.FileSkipped() })
	}

	fi, statErr := os.Lstat(hdr.Dst)
	if statErr == nil {
		switch {
		case fi.IsDir():
			return skip(fmt.Errorf("%s exists as a directory", hdr.Dst),
				func() { d.counters.FileSkipped(); d.counters.Error() })
		case d.hello.Compare != 0 && fsmeta.Identical(fi, hdr, d.hello.Compare):
			log.Debug("destination file identical, skipping write")
			return skip(nil, func() { d.counters.FileUnchanged() })
		case !d.hello.Overwrite:
			log.Debug("destination exists, keeping it (no --overwrite)")
			return skip(nil, func() { d.counters.FileSkippedExisting() })
		}
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return skip(fmt.Errorf("stat %s: %w", hdr.Dst, statErr),
			func() { d.counters.FileSkipped(); d.counters.Error() })
	}

	f, err := os.OpenFile(hdr.Dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return skip(fmt.Errorf("open: %w", err),
			func() { d.counters.FileSkipped(); d.counters.Error() })
	}

	payload := &io.LimitedReader{R: r.Br, N: int64(hdr.Size)}
	written, copyErr := io.Copy(f, payload)
	closeErr := f.Close()

	if copyErr != nil || uint64(written) < hdr.Size {
		// A short read means the source died mid-payload: the stream is
		// corrupted and this connection is unusable. A write error leaves
		// unread payload to drain; the connection survives.
		if uint64(written) < hdr.Size && copyErr == nil {
			return fmt.Errorf("stream corrupted: short payload for %s: %d of %d bytes",
				hdr.Dst, written, hdr.Size)
		}
		if readErr, isRead := classifyCopyError(copyErr); isRead {
			return fmt.Errorf("stream corrupted: payload for %s: %w", hdr.Dst, readErr)
		}
		logging.WithError(log, copyErr, "write failed")
		d.counters.Error()
		os.Remove(hdr.Dst)
		// drain what is still unread; io.Copy may have read past what it wrote
		if err := d.drain(r, uint64(payload.N)); err != nil {
			return err
		}
		d.counters.FileSkipped()
		if err := account(); err != nil {
			return err
		}
		if d.hello.FailEarly {
			return fmt.Errorf("write %s: %w: %w", hdr.Dst, copyErr, errFailEarly)
		}
		return nil
	}
	if closeErr != nil {
		logging.WithError(log, closeErr, "close failed")
		d.counters.Error()
		d.counters.FileSkipped()
		os.Remove(hdr.Dst)
		if err := account(); err != nil {
			return err
		}
		if d.hello.FailEarly {
			return fmt.Errorf("close %s: %w: %w", hdr.Dst, closeErr, errFailEarly)
		}
		return nil
	}

	// DataConsumed from here on: any failure below leaves the stream at a
	// clean header boundary.
	set := d.hello.Preserve.File
	if set.Any() {
		if err := fsmeta.Apply(hdr.Dst, &hdr.Meta, set); err != nil {
			logging.WithError(log, err, "cannot apply file metadata")
			d.counters.Error()
			if accErr := account(); accErr != nil {
				return accErr
			}
			if d.hello.FailEarly {
				return fmt.Errorf("metadata %s: %w: %w", hdr.Dst, err, errFailEarly)
			}
			return nil
		}
	}

	d.counters.FileCopied(hdr.Size)
	log.Debug("file received")
	return account()
}

// classifyCopyError splits an io.Copy error into its read half. io.Copy
// wraps nothing, so a *fs.PathError means our write side (the file), and
// anything else came from the connection.
func classifyCopyError(err error) (error, bool) {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return err, false
	}
	return err, true
}

// drain discards n payload bytes, keeping the connection usable.
func (d *Dest) drain(r *transport.DataReader, n uint64) error {
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r.Br, int64(n)); err != nil {
		return fmt.Errorf("stream corrupted: drain %d bytes: %w", n, err)
	}
	return nil
}
