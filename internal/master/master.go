package master

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp-sub000/internal/config"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/sshexec"
	"github.com/wykurz/rcp-sub000/internal/stats"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// Result is the aggregated outcome of one copy run.
type Result struct {
	Summary  wire.Summary
	Warnings uint64 // non-fatal errors recorded by either side
}

// Master coordinates one run.
type Master struct {
	log    *slog.Logger
	opts   *config.Options
	filter *wire.FilterSpec

	srcs []Endpoint
	dst  Endpoint

	id *transport.Identity
}

func New(log *slog.Logger, opts *config.Options, filter *wire.FilterSpec, srcs []Endpoint, dst Endpoint) (*Master, error) {
	if len(srcs) == 0 {
		return nil, errors.New("no source paths")
	}
	for _, s := range srcs[1:] {
		if s.Host != srcs[0].Host || s.User != srcs[0].User {
			return nil, fmt.Errorf("all sources must live on one host, got %s and %s",
				srcs[0].String(), s.String())
		}
	}
	return &Master{log: log, opts: opts, filter: filter, srcs: srcs, dst: dst}, nil
}

// Run performs the whole orchestration described by the triangle: accept
// the two daemon connections, relay the hellos, and await both results.
func (m *Master) Run(ctx context.Context) (*Result, error) {
	if addr := m.opts.MetricsAddr; addr != "" {
		stopMetrics, err := serveMetrics(addr)
		if err != nil {
			return nil, err
		}
		defer stopMetrics()
	}

	if !m.opts.NoEncryption {
		id, err := transport.NewIdentity("rcp-master")
		if err != nil {
			return nil, err
		}
		m.id = id
	}

	listener, err := transport.Listen("", nil)
	if err != nil {
		return nil, fmt.Errorf("bind master listener: %w", err)
	}
	defer listener.Close()
	if m.id != nil {
		listener = transport.MaybeTLSListener(listener, transport.ServerTLS(m.id, nil))
	}
	port := listener.Addr().(*net.TCPAddr).Port

	srcDaemon, err := m.launch(ctx, wire.RoleSource, m.srcs[0], port)
	if err != nil {
		return nil, fmt.Errorf("launch source daemon: %w", err)
	}
	defer srcDaemon.Close()
	dstDaemon, err := m.launch(ctx, wire.RoleDestination, m.dst, port)
	if err != nil {
		return nil, fmt.Errorf("launch destination daemon: %w", err)
	}
	defer dstDaemon.Close()

	conns, err := m.acceptDaemons(ctx, listener, srcDaemon, dstDaemon)
	if err != nil {
		return nil, err
	}
	srcConn, dstConn := conns[wire.RoleSource], conns[wire.RoleDestination]
	defer srcConn.Close()
	defer dstConn.Close()

	preserve, err := m.opts.PreserveSpec()
	if err != nil {
		return nil, err
	}
	compare, err := m.opts.Compare()
	if err != nil {
		return nil, err
	}

	srcPaths := make([]string, len(m.srcs))
	for i, s := range m.srcs {
		srcPaths[i] = s.Path
	}
	if err := srcConn.WriteMessage(&wire.MasterHelloSource{
		SrcPaths:   srcPaths,
		DstPath:    m.dst.Path,
		DestCertFP: dstDaemon.Fingerprint,
		Filter:     m.filter,
		DryRun:     m.opts.DryRunMode(),
		Tune:       m.opts.Tune(),
		FailEarly:  m.opts.FailEarly,
		Deref:      m.opts.Dereference,
	}); err != nil {
		return nil, fmt.Errorf("send hello to source: %w", err)
	}

	srcHello, err := readMessageAs[*wire.SourceMasterHello](srcConn)
	if err != nil {
		return nil, fmt.Errorf("source listener addresses: %w", err)
	}
	m.log.With(
		slog.String("control", srcHello.ControlAddr),
		slog.String("data", srcHello.DataAddr),
	).Debug("source is listening")

	if err := dstConn.WriteMessage(&wire.MasterHelloDest{
		ControlAddr:  srcHello.ControlAddr,
		DataAddr:     srcHello.DataAddr,
		ServerName:   srcHello.ServerName,
		SourceCertFP: srcDaemon.Fingerprint,
		Preserve:     preserve,
		Overwrite:    m.opts.Overwrite,
		Compare:      compare,
		DryRun:       m.opts.DryRunMode(),
		Tune:         m.opts.Tune(),
		FailEarly:    m.opts.FailEarly,
	}); err != nil {
		return nil, fmt.Errorf("send hello to destination: %w", err)
	}

	var srcRes, dstRes *wire.RcpdResult
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		srcRes, err = readMessageAs[*wire.RcpdResult](srcConn)
		if err != nil {
			return fmt.Errorf("source result: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		dstRes, err = readMessageAs[*wire.RcpdResult](dstConn)
		if err != nil {
			return fmt.Errorf("destination result: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return m.aggregate(srcRes, dstRes)
}

// aggregate applies the result policy: the destination's counters are
// authoritative, both sides must report success, and non-fatal errors are
// warnings unless --fail-early already turned them fatal.
func (m *Master) aggregate(src, dst *wire.RcpdResult) (*Result, error) {
	res := &Result{
		Summary:  dst.Summary,
		Warnings: dst.Summary.Errors + src.Summary.Errors,
	}
	switch {
	case !src.OK && !dst.OK:
		return res, fmt.Errorf("both sides failed: source: %s; destination: %s", src.Error, dst.Error)
	case !src.OK:
		return res, fmt.Errorf("source failed: %s", src.Error)
	case !dst.OK:
		return res, fmt.Errorf("destination failed: %s", dst.Error)
	}
	if res.Warnings > 0 {
		m.log.With(slog.Uint64("errors", res.Warnings)).
			Warn("copy finished with per-entry errors")
	}
	return res, nil
}

func (m *Master) launch(ctx context.Context, role wire.Role, ep Endpoint, masterPort int) (*sshexec.Daemon, error) {
	launcher, err := m.launcherFor(ep)
	if err != nil {
		return nil, err
	}
	args := []string{
		"--role", role.String(),
		"--master-addr", net.JoinHostPort(m.advertiseHost(ep), strconv.Itoa(masterPort)),
		"--conn-timeout-sec", strconv.Itoa(m.opts.ConnTimeoutSec),
	}
	if m.id != nil {
		args = append(args, "--master-cert-fp", transport.FingerprintString(m.id.Fingerprint))
	} else {
		args = append(args, "--no-encryption")
	}
	if role == wire.RoleSource {
		if m.opts.PortRanges != "" {
			args = append(args, "--port-ranges", m.opts.PortRanges)
		}
		if m.opts.OpsThrottle > 0 {
			args = append(args, "--ops-throttle", strconv.FormatFloat(m.opts.OpsThrottle, 'f', -1, 64))
		}
		if m.opts.IopsThrottle > 0 {
			args = append(args, "--iops-throttle", strconv.FormatFloat(m.opts.IopsThrottle, 'f', -1, 64))
		}
		if m.opts.ChunkSize > 0 {
			args = append(args, "--chunk-size", strconv.FormatInt(m.opts.ChunkSize, 10))
		}
		if m.opts.MaxOpenFiles > 0 {
			args = append(args, "--max-open-files", strconv.FormatInt(m.opts.MaxOpenFiles, 10))
		}
	}
	d, err := launcher.Launch(ctx, args)
	if err != nil {
		return nil, err
	}
	if m.id != nil && d.Fingerprint == nil {
		d.Close()
		return nil, fmt.Errorf("daemon on %q reported no certificate but encryption is on", ep.Host)
	}
	return d, nil
}

func (m *Master) launcherFor(ep Endpoint) (sshexec.Launcher, error) {
	if !ep.Remote() {
		return &sshexec.Local{RcpdPath: m.localRcpdPath(), Log: m.log}, nil
	}
	s := &sshexec.SSH{
		Host:     ep.Host,
		User:     ep.User,
		RcpdPath: m.opts.RcpdPath,
		Log:      m.log,
	}
	if m.opts.AutoDeployRcpd {
		remotePath, err := s.Deploy(m.localRcpdPath())
		if err != nil {
			return nil, fmt.Errorf("auto-deploy rcpd: %w", err)
		}
		s.RcpdPath = remotePath
	}
	return s, nil
}

// localRcpdPath finds the daemon binary for local subprocesses and for
// auto-deploy uploads: the explicit flag first, then a sibling of the rcp
// binary, then $PATH.
func (m *Master) localRcpdPath() string {
	if m.opts.RcpdPath != "" {
		return m.opts.RcpdPath
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "rcpd")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "rcpd"
}

// advertiseHost picks the master address a daemon can dial back to.
func (m *Master) advertiseHost(ep Endpoint) string {
	if !ep.Remote() {
		return "127.0.0.1"
	}
	// the interface routing towards the remote host is the one it can
	// reach us on
	conn, err := net.Dial("udp", net.JoinHostPort(ep.Host, "22"))
	if err != nil {
		host, _ := os.Hostname()
		return host
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// acceptDaemons collects the two inbound connections and matches each to
// its role via TracingHello, cross-checked against the certificate
// fingerprint collected at launch.
func (m *Master) acceptDaemons(ctx context.Context, l net.Listener, srcD, dstD *sshexec.Daemon) (map[wire.Role]*wire.Conn, error) {
	expected := map[wire.Role][]byte{
		wire.RoleSource:      srcD.Fingerprint,
		wire.RoleDestination: dstD.Fingerprint,
	}
	conns := make(map[wire.Role]*wire.Conn, 2)
	deadline := time.Now().Add(m.opts.ConnTimeout())
	for len(conns) < 2 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("daemons did not connect within %s; check that the remote hosts can reach this machine", m.opts.ConnTimeout())
		}
		raw, err := transport.AcceptOne(ctx, l, remaining)
		if err != nil {
			return nil, fmt.Errorf("waiting for daemons: %w (check that the remote hosts can reach this machine)", err)
		}
		peerFP, err := transport.PeerFingerprint(raw)
		if err != nil {
			raw.Close()
			return nil, err
		}
		conn := wire.NewConn(raw)
		hello, err := readMessageAs[*wire.TracingHello](conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("daemon hello: %w", err)
		}
		want, ok := expected[hello.Role]
		if !ok || conns[hello.Role] != nil {
			conn.Close()
			return nil, fmt.Errorf("unexpected daemon role %s", hello.Role)
		}
		if m.id != nil && !bytes.Equal(peerFP, want) {
			conn.Close()
			return nil, fmt.Errorf("daemon claiming role %s presented the wrong certificate", hello.Role)
		}
		m.log.With(slog.String("role", hello.Role.String())).Debug("daemon connected")
		conns[hello.Role] = conn
	}
	return conns, nil
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

func serveMetrics(addr string) (func(), error) {
	stats.Register(prometheus.DefaultRegisterer)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: promhttp.Handler()}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WithError(slog.Default(), err, "metrics server")
		}
	}()
	return func() { srv.Close() }, nil
}
