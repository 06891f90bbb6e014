// Package daemon is the rcpd process core: it dials back to the master,
// learns its role, runs the source or destination engine, and reports the
// final result. It also arms the stdin watchdog that makes a daemon die
// with its master.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp-sub000/internal/dest"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/source"
	"github.com/wykurz/rcp-sub000/internal/sshexec"
	"github.com/wykurz/rcp-sub000/internal/stats"
	"github.com/wykurz/rcp-sub000/internal/throttle"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// Params is everything rcpd learns from its command line.
type Params struct {
	Role         wire.Role
	MasterAddr   string
	MasterCertFP []byte // nil with --no-encryption
	NoEncryption bool
	ConnTimeout  time.Duration
	PortRanges   string

	OpsThrottle  float64
	IopsThrottle float64
	ChunkSize    int64
	MaxOpenFiles int64
}

// Run executes one daemon lifetime. The returned error is what the process
// exits non-zero for; protocol-level failures are already reported to the
// master inside.
func Run(ctx context.Context, log *slog.Logger, p *Params) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var id *transport.Identity
	if !p.NoEncryption {
		var err error
		id, err = transport.NewIdentity("rcpd-" + p.Role.String())
		if err != nil {
			return err
		}
	}
	// The fingerprint banner is the first stdout line; the master reads it
	// over the SSH channel before anything else happens.
	if id != nil {
		fmt.Println(sshexec.Banner(id.Fingerprint))
	} else {
		fmt.Println(sshexec.Banner(nil))
	}

	// Master death: stdin EOF. Cancel in-flight work, then make sure the
	// process is gone even if something is stuck in blocking I/O.
	transport.WatchStdin(log, func() {
		cancel()
		time.Sleep(time.Second)
		os.Exit(1)
	})

	var tlsConf *tls.Config
	if id != nil {
		tlsConf = transport.ClientTLS(id, "rcp-master", p.MasterCertFP)
	}
	raw, err := transport.Dial(ctx, p.MasterAddr, tlsConf, p.ConnTimeout)
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	master := wire.NewConn(raw)
	defer master.Close()

	if err := master.WriteMessage(&wire.TracingHello{Role: p.Role}); err != nil {
		return fmt.Errorf("send hello to master: %w", err)
	}

	var summary wire.Summary
	var runErr error
	switch p.Role {
	case wire.RoleSource:
		summary, runErr = runSource(ctx, log, master, id, p)
	case wire.RoleDestination:
		summary, runErr = runDest(ctx, log, master, id, p)
	default:
		runErr = fmt.Errorf("unknown role %d", p.Role)
	}

	result := &wire.RcpdResult{OK: runErr == nil, Summary: summary}
	if runErr != nil {
		logging.WithError(log, runErr, "run failed")
		result.Error = runErr.Error()
	} else {
		result.Message = "ok"
	}
	if err := master.WriteMessage(result); err != nil {
		return fmt.Errorf("report result to master: %w", err)
	}
	return runErr
}

func runSource(ctx context.Context, log *slog.Logger, master *wire.Conn, id *transport.Identity, p *Params) (wire.Summary, error) {
	hello, err := readMessageAs[*wire.MasterHelloSource](master)
	if err != nil {
		return wire.Summary{}, fmt.Errorf("master hello: %w", err)
	}

	ranges, err := transport.ParsePortRanges(p.PortRanges)
	if err != nil {
		return wire.Summary{}, err
	}
	ctrlListener, err := transport.Listen("", ranges)
	if err != nil {
		return wire.Summary{}, fmt.Errorf("bind control listener: %w", err)
	}
	defer ctrlListener.Close()
	dataListener, err := transport.Listen("", ranges)
	if err != nil {
		return wire.Summary{}, fmt.Errorf("bind data listener: %w", err)
	}
	defer dataListener.Close()

	serverName := ""
	if id != nil {
		serverName = id.ServerName
		conf := transport.ServerTLS(id, hello.DestCertFP)
		ctrlListener = transport.MaybeTLSListener(ctrlListener, conf)
		dataListener = transport.MaybeTLSListener(dataListener, conf)
	}

	// The destination cannot resolve our listener addresses itself: it
	// only knows what the master relays. Advertise the address of the
	// interface our master connection uses.
	host, _, err := net.SplitHostPort(master.LocalAddr().String())
	if err != nil {
		return wire.Summary{}, fmt.Errorf("derive listen host: %w", err)
	}
	if err := master.WriteMessage(&wire.SourceMasterHello{
		ControlAddr: net.JoinHostPort(host, portOf(ctrlListener)),
		DataAddr:    net.JoinHostPort(host, portOf(dataListener)),
		ServerName:  serverName,
	}); err != nil {
		return wire.Summary{}, fmt.Errorf("send listener addresses: %w", err)
	}

	rawCtrl, err := transport.AcceptOne(ctx, ctrlListener, p.ConnTimeout)
	if err != nil {
		return wire.Summary{}, fmt.Errorf("destination control connection: %w", err)
	}
	ctrl := wire.NewConn(rawCtrl)
	defer ctrl.Close()

	thr := throttle.New(p.OpsThrottle, p.IopsThrottle, p.ChunkSize, p.MaxOpenFiles)
	src, err := source.New(log, ctrl, hello, thr)
	if err != nil {
		return wire.Summary{}, err
	}
	err = src.Run(ctx, dataListener, p.ConnTimeout)
	return src.Summary(), err
}

func runDest(ctx context.Context, log *slog.Logger, master *wire.Conn, id *transport.Identity, p *Params) (wire.Summary, error) {
	hello, err := readMessageAs[*wire.MasterHelloDest](master)
	if err != nil {
		return wire.Summary{}, fmt.Errorf("master hello: %w", err)
	}

	var tlsConf *tls.Config
	if id != nil {
		tlsConf = transport.ClientTLS(id, hello.ServerName, hello.SourceCertFP)
	}
	rawCtrl, err := transport.Dial(ctx, hello.ControlAddr, tlsConf, p.ConnTimeout)
	if err != nil {
		return wire.Summary{}, fmt.Errorf("source control connection: %w", err)
	}
	ctrl := wire.NewConn(rawCtrl)
	defer ctrl.Close()

	tune := hello.Tune
	if tune.MaxConnections == 0 {
		tune.MaxConnections = 100
	}
	readers := make([]*transport.DataReader, 0, tune.MaxConnections)
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	g, dialCtx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	results := make([]*transport.DataReader, tune.MaxConnections)
	for i := range results {
		g.Go(func() error {
			raw, err := transport.Dial(dialCtx, hello.DataAddr, tlsConf, p.ConnTimeout)
			if err != nil {
				return fmt.Errorf("data connection: %w", err)
			}
			r, err := transport.NewDataReader(raw, tune.Compress)
			if err != nil {
				raw.Close()
				return err
			}
			stats.DataConns.Inc()
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range results {
			if r != nil {
				readers = append(readers, r)
			}
		}
		return wire.Summary{}, err
	}
	readers = results

	d := dest.New(log, ctrl, hello)
	err = d.Run(ctx, readers)
	return d.Summary(), err
}

func portOf(l net.Listener) string {
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return port
}

func readMessageAs[T wire.Message](c *wire.Conn) (T, error) {
	var zero T
	m, err := c.ReadMessage()
	if err != nil {
		return zero, err
	}
	typed, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("expected %T, got %T", zero, m)
	}
	return typed, nil
}
