package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortRanges(t *testing.T) {
	ranges, err := ParsePortRanges("9000-9010,9500,10000-10001")
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, PortRange{9000, 9010}, ranges[0])
	assert.Equal(t, PortRange{9500, 9500}, ranges[1])
	assert.Equal(t, PortRange{10000, 10001}, ranges[2])

	empty, err := ParsePortRanges("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	for _, bad := range []string{"abc", "9000-", "9010-9000", "0-10", "70000"} {
		_, err := ParsePortRanges(bad)
		assert.Error(t, err, bad)
	}
}

func TestListenWithinRanges(t *testing.T) {
	ranges, err := ParsePortRanges("36000-36050")
	require.NoError(t, err)
	l, err := Listen("127.0.0.1", ranges)
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	assert.GreaterOrEqual(t, port, 36000)
	assert.LessOrEqual(t, port, 36050)
}

func TestFingerprintRoundTrip(t *testing.T) {
	id, err := NewIdentity("rcpd-test")
	require.NoError(t, err)
	assert.Len(t, id.Fingerprint, FingerprintLen)

	fp, err := ParseFingerprint(FingerprintString(id.Fingerprint))
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, fp)

	_, err = ParseFingerprint("abcd")
	assert.Error(t, err)
}

func TestTLSPinnedHandshake(t *testing.T) {
	serverID, err := NewIdentity("rcpd-src")
	require.NoError(t, err)
	clientID, err := NewIdentity("rcpd-dst")
	require.NoError(t, err)

	l, err := Listen("127.0.0.1", nil)
	require.NoError(t, err)
	defer l.Close()
	tl := MaybeTLSListener(l, ServerTLS(serverID, clientID.Fingerprint))

	errs := make(chan error, 1)
	go func() {
		c, err := tl.Accept()
		if err != nil {
			errs <- err
			return
		}
		defer c.Close()
		_, err = c.Write([]byte("ok"))
		errs <- err
	}()

	ctx := context.Background()
	conn, err := Dial(ctx, l.Addr().String(),
		ClientTLS(clientID, serverID.ServerName, serverID.Fingerprint), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
	require.NoError(t, <-errs)
}

func TestTLSRejectsWrongFingerprint(t *testing.T) {
	serverID, err := NewIdentity("rcpd-src")
	require.NoError(t, err)
	clientID, err := NewIdentity("rcpd-dst")
	require.NoError(t, err)
	imposter, err := NewIdentity("rcpd-src")
	require.NoError(t, err)

	l, err := Listen("127.0.0.1", nil)
	require.NoError(t, err)
	defer l.Close()
	tl := MaybeTLSListener(l, ServerTLS(serverID, clientID.Fingerprint))
	go func() {
		for {
			c, err := tl.Accept()
			if err != nil {
				return
			}
			// handshake happens on first read; discard and close
			io.Copy(io.Discard, c)
			c.Close()
		}
	}()

	// client pins the imposter's fingerprint and must refuse the server
	_, err = Dial(context.Background(), l.Addr().String(),
		ClientTLS(clientID, serverID.ServerName, imposter.Fingerprint), 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint mismatch")
}

func TestDataWriterReaderCompressed(t *testing.T) {
	client, server := net.Pipe()
	w, err := NewDataWriter(client, true)
	require.NoError(t, err)
	r, err := NewDataReader(server, true)
	require.NoError(t, err)
	defer r.Close()

	go func() {
		w.Write([]byte("squeeze me"))
		w.Flush()
		w.Close()
	}()

	got, err := io.ReadAll(r.Br)
	require.NoError(t, err)
	assert.Equal(t, "squeeze me", string(got))
}

func TestDialTimesOutOnDeadAddress(t *testing.T) {
	// bind a port and close it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	start := time.Now()
	_, err = Dial(context.Background(), addr, nil, 500*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
