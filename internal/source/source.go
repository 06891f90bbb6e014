package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wykurz/rcp-sub000/internal/bufpool"
	"github.com/wykurz/rcp-sub000/internal/filter"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/stats"
	"github.com/wykurz/rcp-sub000/internal/throttle"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// Source is the source daemon's copy engine for one run.
type Source struct {
	log      *slog.Logger
	ctrl     *wire.Conn
	hello    *wire.MasterHelloSource
	filt     *filter.Filter
	thr      *throttle.Throttle
	counters *stats.Counters

	pool       *connPool
	pendingSem *semaphore.Weighted
	bufs       *bufpool.Pool
	senders    *errgroup.Group

	// waiters maps a directory's destination path to the channel its
	// DirectoryCreated reply is delivered on.
	mu      sync.Mutex
	waiters map[string]chan *wire.DirectoryCreated

	// recvDone closes when the control receive loop exits; recvErr (read
	// only after recvDone) is nil iff the loop ended on DestinationDone.
	recvDone chan struct{}
	recvErr  error

	rootItems uint32
}

func New(log *slog.Logger, ctrl *wire.Conn, hello *wire.MasterHelloSource, thr *throttle.Throttle) (*Source, error) {
	filt, err := filter.New(hello.Filter)
	if err != nil {
		return nil, err
	}
	tune := hello.Tune
	if tune.BufferSize == 0 {
		tune.BufferSize = 16 << 20
	}
	if tune.MaxConnections == 0 {
		tune.MaxConnections = 100
	}
	if tune.PendingMultiplier == 0 {
		tune.PendingMultiplier = 4
	}
	hello.Tune = tune
	maxShift := uint(bits.Len64(tune.BufferSize - 1))
	if maxShift < 16 {
		maxShift = 16
	}
	return &Source{
		log:        log,
		ctrl:       ctrl,
		hello:      hello,
		filt:       filt,
		thr:        thr,
		counters:   &stats.Counters{},
		pool:       newConnPool(int(tune.MaxConnections)),
		pendingSem: semaphore.NewWeighted(int64(tune.MaxConnections) * int64(tune.PendingMultiplier)),
		bufs:       bufpool.New(16, maxShift, int(tune.MaxConnections), bufpool.Allocate),
		waiters:    make(map[string]chan *wire.DirectoryCreated),
		recvDone:   make(chan struct{}),
	}, nil
}

func (s *Source) Summary() wire.Summary { return s.counters.Snapshot() }

func (s *Source) dryRun() bool { return s.hello.DryRun.Enabled() }

// Run walks the source trees and streams them to the destination.
// dataListener is the already-bound data port the destination dials into.
func (s *Source) Run(ctx context.Context, dataListener net.Listener, connTimeout time.Duration) error {
	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()
	go s.acceptLoop(acceptCtx, dataListener)

	go s.recvLoop()

	senders, sctx := errgroup.WithContext(ctx)
	s.senders = senders

	// The destination needs a moment to learn our address from the master
	// and dial in; without any data connection within the timeout the run
	// is stuck and we say so instead of hanging.
	if !s.dryRun() {
		if err := s.awaitFirstConn(sctx, connTimeout); err != nil {
			return err
		}
	}

	if err := s.walkRoots(sctx, senders); err != nil {
		senders.Wait()
		return err
	}

	if err := s.ctrl.WriteMessage(&wire.DirStructureComplete{RootItems: s.rootItems}); err != nil {
		senders.Wait()
		return fmt.Errorf("send DirStructureComplete: %w", err)
	}
	s.log.With(slog.Int("root_items", int(s.rootItems))).Debug("walk complete")

	if err := senders.Wait(); err != nil {
		return err
	}

	select {
	case <-s.recvDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.recvErr != nil {
		return s.recvErr
	}

	// Shutdown handshake: the destination half-closed towards us; now we
	// half-close back and tear down the data connections.
	if err := s.ctrl.CloseWrite(); err != nil {
		logging.WithError(s.log, err, "half-close control stream")
	}
	s.pool.CloseAll()
	return nil
}

func (s *Source) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logging.WithError(s.log, err, "data listener accept")
			}
			return
		}
		w, err := transport.NewDataWriter(c, s.hello.Tune.Compress)
		if err != nil {
			logging.WithError(s.log, err, "wrap data connection")
			c.Close()
			continue
		}
		stats.DataConns.Inc()
		s.pool.Add(w)
	}
}

func (s *Source) awaitFirstConn(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	w, err := s.pool.Get(waitCtx)
	if err != nil {
		return fmt.Errorf("destination never opened a data connection: %w", err)
	}
	s.pool.Put(w)
	return nil
}

func (s *Source) recvLoop() {
	defer close(s.recvDone)
	for {
		m, err := s.ctrl.ReadMessage()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("destination closed control stream before DestinationDone")
			}
			s.recvErr = err
			s.abortWaiters()
			return
		}
		switch msg := m.(type) {
		case *wire.DirectoryCreated:
			s.deliverCreated(msg)
		case *wire.DestinationDone:
			s.log.Debug("destination reported done")
			s.abortWaiters()
			return
		default:
			s.recvErr = fmt.Errorf("unexpected message %T on control stream", m)
			s.abortWaiters()
			return
		}
	}
}

func (s *Source) registerWaiter(dst string) chan *wire.DirectoryCreated {
	ch := make(chan *wire.DirectoryCreated, 1)
	s.mu.Lock()
	s.waiters[dst] = ch
	s.mu.Unlock()
	return ch
}

func (s *Source) deliverCreated(msg *wire.DirectoryCreated) {
	s.mu.Lock()
	ch, ok := s.waiters[msg.Dst]
	delete(s.waiters, msg.Dst)
	s.mu.Unlock()
	if !ok {
		// directories without regular files register no waiter
		s.log.With(slog.String("dst", msg.Dst)).
			Debug("DirectoryCreated with no sender waiting")
		return
	}
	ch <- msg
}

// abortWaiters drops all registered waiters; their senders observe
// recvDone and exit without sending.
func (s *Source) abortWaiters() {
	s.mu.Lock()
	s.waiters = make(map[string]chan *wire.DirectoryCreated)
	s.mu.Unlock()
}

// destFor maps one source root onto its destination path, following the
// cp-style trailing-slash convention the master preserves verbatim.
func (s *Source) destFor(srcPath string) string {
	dst := s.hello.DstPath
	if len(s.hello.SrcPaths) > 1 || strings.HasSuffix(dst, "/") {
		return filepath.Join(dst, filepath.Base(strings.TrimSuffix(srcPath, "/")))
	}
	return filepath.Clean(dst)
}
