package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net"
)

// PeerFingerprint completes the handshake if needed and returns the SHA-256
// fingerprint of the peer's leaf certificate. Returns nil for non-TLS
// connections.
func PeerFingerprint(c net.Conn) ([]byte, error) {
	tc, ok := c.(*tls.Conn)
	if !ok {
		return nil, nil
	}
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("peer sent no certificate")
	}
	fp := sha256.Sum256(certs[0].Raw)
	return fp[:], nil
}
