package dest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp-sub000/internal/fsmeta"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/stats"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// errFailEarly wraps the first non-fatal error when --fail-early is set.
var errFailEarly = errors.New("aborting on first error (--fail-early)")

// Dest is the destination daemon's copy engine for one run.
type Dest struct {
	log      *slog.Logger
	ctrl     *wire.Conn
	hello    *wire.MasterHelloDest
	counters *stats.Counters

	tracker  *Tracker
	doneOnce sync.Once
	doneErr  error
}

func New(log *slog.Logger, ctrl *wire.Conn, hello *wire.MasterHelloDest) *Dest {
	return &Dest{
		log:      log,
		ctrl:     ctrl,
		hello:    hello,
		counters: &stats.Counters{},
		tracker:  NewTracker(),
	}
}

func (d *Dest) Summary() wire.Summary { return d.counters.Snapshot() }

func (d *Dest) dryRun() bool { return d.hello.DryRun.Enabled() }

// Run drives the whole destination side: given the already-dialed data
// connections, it starts one receiver per connection, and dispatches control messages until
// the source half-closes.
func (d *Dest) Run(ctx context.Context, readers []*transport.DataReader) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range readers {
		g.Go(func() error {
			defer stats.DataConns.Dec()
			if err := d.receiveLoop(ctx, r); err != nil {
				return fmt.Errorf("data connection %d: %w", i, err)
			}
			return nil
		})
	}
	g.Go(func() error { return d.controlLoop(ctx) })
	return g.Wait()
}

func (d *Dest) controlLoop(ctx context.Context) error {
	for {
		m, err := d.ctrl.ReadMessage()
		if err == io.EOF {
			// source half-closed after seeing DestinationDone
			if !d.tracker.Done() {
				return fmt.Errorf("source closed control stream with %d directories incomplete",
					d.tracker.PendingCount())
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("control stream: %w", err)
		}
		if err := d.handleControl(ctx, m); err != nil {
			return err
		}
		if err := d.checkDone(); err != nil {
			return err
		}
	}
}

func (d *Dest) handleControl(ctx context.Context, m wire.Message) error {
	switch msg := m.(type) {
	case *wire.Directory:
		return d.handleDirectory(msg)
	case *wire.Symlink:
		return d.handleSymlink(msg)
	case *wire.FileSkipped:
		d.counters.FileSkipped()
		return d.applyCompletions(d.tracker.ChildDone(parentOf(msg.Dst)))
	case *wire.SymlinkSkipped:
		d.counters.SymlinkSkipped()
		if msg.IsRoot {
			d.tracker.RootSeen()
			return nil
		}
		return d.applyCompletions(d.tracker.ChildDone(parentOf(msg.Dst)))
	case *wire.DirStructureComplete:
		d.log.With(slog.Int("root_items", int(msg.RootItems))).
			Debug("source finished walking")
		d.tracker.StructureComplete(int(msg.RootItems))
		return nil
	default:
		return fmt.Errorf("unexpected message %T on control stream", m)
	}
}

func (d *Dest) handleDirectory(msg *wire.Directory) error {
	log := d.log.With(slog.String("dst", msg.Dst))
	if !msg.IsRoot && d.tracker.AncestorFailed(msg.Dst) {
		log.Warn("skipping directory under a failed ancestor")
		return d.applyCompletions(d.tracker.ChildDone(parentOf(msg.Dst)))
	}

	if !d.dryRun() {
		if err := d.createDir(msg.Dst); err != nil {
			logging.WithError(log, err, "cannot create directory")
			d.counters.DirFailed()
			d.counters.Error()
			if err := d.applyCompletions(d.tracker.DirFailed(msg.Dst, msg.IsRoot)); err != nil {
				return err
			}
			if d.hello.FailEarly {
				return fmt.Errorf("create directory %s: %w: %w", msg.Dst, err, errFailEarly)
			}
			return nil
		}
		d.counters.DirCreated()
	} else {
		log.Info("dry run: would create directory")
	}

	if err := d.applyCompletions(d.tracker.AddDir(msg)); err != nil {
		return err
	}
	return d.ctrl.WriteMessage(&wire.DirectoryCreated{
		Src: msg.Src, Dst: msg.Dst, FileCount: msg.FileCount,
	})
}

// createDir makes dst a directory. An existing directory is always reused;
// an existing non-directory is replaced only with --overwrite.
func (d *Dest) createDir(dst string) error {
	fi, err := os.Lstat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Mkdir(dst, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat: %w", err)
	case fi.IsDir():
		return nil
	case d.hello.Overwrite:
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("remove for overwrite: %w", err)
		}
		if err := os.Mkdir(dst, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%s exists and is not a directory (no --overwrite)", dst)
	}
}

func (d *Dest) handleSymlink(msg *wire.Symlink) error {
	log := d.log.With(slog.String("dst", msg.Dst), slog.String("target", msg.Target))
	account := func() error {
		if msg.IsRoot {
			d.tracker.RootSeen()
			return nil
		}
		return d.applyCompletions(d.tracker.ChildDone(parentOf(msg.Dst)))
	}

	if !msg.IsRoot && d.tracker.AncestorFailed(msg.Dst) {
		log.Warn("skipping symlink under a failed ancestor")
		return account()
	}
	if d.dryRun() {
		log.Info("dry run: would create symlink")
		d.counters.SymlinkCreated()
		return account()
	}

	if err := d.createSymlink(msg); err != nil {
		logging.WithError(log, err, "cannot create symlink")
		d.counters.SymlinkSkipped()
		d.counters.Error()
		if accErr := account(); accErr != nil {
			return accErr
		}
		if d.hello.FailEarly {
			return fmt.Errorf("symlink %s: %w: %w", msg.Dst, err, errFailEarly)
		}
		return nil
	}
	d.counters.SymlinkCreated()
	return account()
}

func (d *Dest) createSymlink(msg *wire.Symlink) error {
	err := os.Symlink(msg.Target, msg.Dst)
	if errors.Is(err, fs.ErrExist) {
		if !d.hello.Overwrite {
			return fmt.Errorf("%s exists (no --overwrite)", msg.Dst)
		}
		if err := os.Remove(msg.Dst); err != nil {
			return fmt.Errorf("remove for overwrite: %w", err)
		}
		err = os.Symlink(msg.Target, msg.Dst)
	}
	if err != nil {
		return fmt.Errorf("symlink: %w", err)
	}
	set := d.hello.Preserve.Symlink
	if set.Any() {
		if err := fsmeta.Apply(msg.Dst, &msg.Meta, set); err != nil {
			return fmt.Errorf("apply metadata: %w", err)
		}
	}
	return nil
}

// applyCompletions executes directory completions outside the tracker lock:
// apply the stored metadata, or remove a filtered-empty directory.
func (d *Dest) applyCompletions(comps []Completion) error {
	for _, c := range comps {
		if d.dryRun() {
			continue
		}
		if c.RemoveEmpty {
			if err := os.Remove(c.Dst); err != nil {
				d.log.With(slog.String("dst", c.Dst), slog.String("err", err.Error())).
					Debug("cannot remove empty directory")
			} else {
				d.counters.DirRemoved()
			}
			continue
		}
		set := d.hello.Preserve.Dir
		if !set.Any() {
			continue
		}
		if err := fsmeta.Apply(c.Dst, &c.Meta, set); err != nil {
			logging.WithError(d.log.With(slog.String("dst", c.Dst)), err,
				"cannot apply directory metadata")
			d.counters.Error()
			if d.hello.FailEarly {
				return fmt.Errorf("directory metadata %s: %w: %w", c.Dst, err, errFailEarly)
			}
		}
	}
	return nil
}

// checkDone sends DestinationDone exactly once and half-closes our send
// side; the receive side stays open until the source half-closes back.
func (d *Dest) checkDone() error {
	if !d.tracker.Done() {
		return nil
	}
	d.doneOnce.Do(func() {
		d.log.Debug("destination complete, sending DestinationDone")
		if err := d.ctrl.WriteMessage(&wire.DestinationDone{}); err != nil {
			d.doneErr = fmt.Errorf("send DestinationDone: %w", err)
			return
		}
		if err := d.ctrl.CloseWrite(); err != nil {
			d.doneErr = fmt.Errorf("half-close control stream: %w", err)
		}
	})
	return d.doneErr
}
