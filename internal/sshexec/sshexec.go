// Package sshexec launches the rcpd daemon on remote hosts over SSH (or
// locally for local paths) and relays the trust material the daemon prints
// at startup. The daemon's stdin is deliberately held open for the
// process's lifetime: the daemon treats stdin EOF as "master is dead".
package sshexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/transport"
)

// fpPrefix is the line the daemon prints first on stdout. With encryption
// disabled the fingerprint part is the literal "none".
const fpPrefix = "RCPD-FP "

// Daemon is one launched rcpd process, remote or local.
type Daemon struct {
	// Fingerprint of the daemon's ephemeral certificate; nil when
	// encryption is off.
	Fingerprint []byte

	wait  func() error
	close func()
	stdin io.WriteCloser
}

// Wait blocks until the daemon process exits.
func (d *Daemon) Wait() error { return d.wait() }

// Close releases the transport (closing stdin, which terminates a daemon
// that is still alive) and reaps the process.
func (d *Daemon) Close() {
	if d.stdin != nil {
		d.stdin.Close()
	}
	d.close()
}

// Launcher starts an rcpd with the given argument vector.
type Launcher interface {
	Launch(ctx context.Context, args []string) (*Daemon, error)
}

// Local runs rcpd as a plain subprocess, used when the path lives on this
// machine.
type Local struct {
	RcpdPath string
	Log      *slog.Logger
}

func (l *Local) Launch(ctx context.Context, args []string) (*Daemon, error) {
	path := l.RcpdPath
	if path == "" {
		path = "rcpd"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	fp, err := readFingerprint(stdout, l.Log)
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("local rcpd: %w", err)
	}
	return &Daemon{
		Fingerprint: fp,
		stdin:       stdin,
		wait:        cmd.Wait,
		close:       func() { cmd.Process.Kill(); cmd.Wait() },
	}, nil
}

// SSH launches rcpd on a remote host over an SSH session.
type SSH struct {
	Host     string // host or host:port
	User     string
	KeyFile  string // optional; the agent is always tried
	RcpdPath string // remote rcpd path; default "rcpd" from $PATH
	Log      *slog.Logger
}

func (s *SSH) Launch(ctx context.Context, args []string) (*Daemon, error) {
	client, err := s.dial()
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session on %s: %w", s.Host, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}
	sess.Stderr = os.Stderr

	path := s.RcpdPath
	if path == "" {
		path = "rcpd"
	}
	cmdline := path + " " + strings.Join(quoteAll(args), " ")
	s.Log.With(slog.String("host", s.Host), slog.String("cmd", cmdline)).
		Debug("launching remote daemon")
	if err := sess.Start(cmdline); err != nil {
		client.Close()
		return nil, fmt.Errorf("start rcpd on %s: %w (is rcpd installed? see --rcpd-path / --auto-deploy-rcpd)", s.Host, err)
	}
	fp, err := readFingerprint(stdout, s.Log)
	if err != nil {
		stdin.Close()
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("rcpd on %s: %w", s.Host, err)
	}
	return &Daemon{
		Fingerprint: fp,
		stdin:       stdin,
		wait:        sess.Wait,
		close: func() {
			sess.Close()
			client.Close()
		},
	}, nil
}

func (s *SSH) dial() (*ssh.Client, error) {
	user := s.User
	if user == "" {
		user = os.Getenv("USER")
	}
	addr := s.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	methods := s.authMethods()
	if len(methods) == 0 {
		return nil, fmt.Errorf("connect to %s: %w", addr, ErrNoAuth)
	}
	conf := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: s.hostKeyCallback(),
	}
	client, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func (s *SSH) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if s.KeyFile != "" {
		if key, err := os.ReadFile(s.KeyFile); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			} else {
				logging.WithError(s.Log, err, "cannot parse ssh key file")
			}
		}
	}
	return methods
}

func (s *SSH) hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		cb, err := knownhosts.New(home + "/.ssh/known_hosts")
		if err == nil {
			return cb
		}
	}
	s.Log.Warn("no known_hosts available, accepting any host key")
	return ssh.InsecureIgnoreHostKey()
}

// readFingerprint reads the fingerprint banner, which must be the daemon's
// first stdout line, and then keeps relaying the remaining output (daemon logs) to our log.
func readFingerprint(r io.Reader, log *slog.Logger) ([]byte, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("daemon exited before reporting its certificate: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, fpPrefix) {
		return nil, fmt.Errorf("unexpected daemon banner %q", line)
	}
	var fp []byte
	if v := strings.TrimPrefix(line, fpPrefix); v != "none" {
		fp, err = transport.ParseFingerprint(v)
		if err != nil {
			return nil, err
		}
	}
	go func() {
		scan := bufio.NewScanner(br)
		for scan.Scan() {
			log.Info("rcpd: " + scan.Text())
		}
	}()
	return fp, nil
}

// Banner renders the line a daemon prints on startup.
func Banner(fp []byte) string {
	if len(fp) == 0 {
		return fpPrefix + "none"
	}
	return fpPrefix + transport.FingerprintString(fp)
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"'\\$") {
			out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			out[i] = a
		}
	}
	return out
}

// ErrNoAuth helps the master emit actionable guidance when no auth method
// (agent or key file) is available at all.
var ErrNoAuth = errors.New("no usable ssh authentication (agent or key file)")
