package sshexec

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// deployDir is where --auto-deploy-rcpd places the binary on the remote
// host, relative to the login home directory.
const deployDir = ".cache/rcp"

// Deploy uploads the local rcpd binary over SFTP and returns the remote
// path to execute. Used on every launch when --auto-deploy-rcpd is set; an
// existing copy at that path is overwritten.
func (s *SSH) Deploy(localPath string) (string, error) {
	client, err := s.dial()
	if err != nil {
		return "", err
	}
	defer client.Close()

	sf, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp subsystem on %s: %w", s.Host, err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(deployDir); err != nil {
		return "", fmt.Errorf("mkdir %s on %s: %w", deployDir, s.Host, err)
	}
	remotePath := deployDir + "/rcpd"

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local rcpd %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sf.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create %s on %s: %w", remotePath, s.Host, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("upload rcpd to %s: %w", s.Host, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("finish upload to %s: %w", s.Host, err)
	}
	if err := sf.Chmod(remotePath, 0o755); err != nil {
		return "", fmt.Errorf("chmod %s on %s: %w", remotePath, s.Host, err)
	}
	s.Log.Info("deployed rcpd to " + s.Host + ":" + remotePath)
	return remotePath, nil
}
