package dest

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/stats"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

func newTestDest(t *testing.T, hello *wire.MasterHelloDest) *Dest {
	t.Helper()
	return &Dest{
		log:      logging.SetupWriter(os.Stderr, logging.Debug, false),
		ctrl:     testControlConn(t),
		hello:    hello,
		counters: &stats.Counters{},
		tracker:  NewTracker(),
	}
}

// testControlConn gives the dispatcher a real TCP control stream (half-close
// needs one) whose peer discards everything.
func testControlConn(t *testing.T) *wire.Conn {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	peer := <-accepted
	l.Close()
	go io.Copy(io.Discard, peer)
	t.Cleanup(func() {
		client.Close()
		peer.Close()
	})
	return wire.NewConn(client)
}

// feedFile pushes one framed file at the destination and runs the receive
// loop until the stream ends.
func feedFile(t *testing.T, d *Dest, hdr *wire.FileHeader, payload []byte) error {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		buf := wire.AppendFrame(nil, hdr)
		buf = append(buf, payload...)
		client.Write(buf)
		client.Close()
	}()
	r, err := transport.NewDataReader(server, false)
	require.NoError(t, err)
	defer r.Close()
	return d.receiveLoop(t.Context(), r)
}

func TestReceiveFileWritesPayload(t *testing.T) {
	dir := t.TempDir()
	d := newTestDest(t, &wire.MasterHelloDest{
		Preserve: wire.PreserveSpec{File: wire.PreserveSet{Times: true, ModeMask: 0o7777}},
	})
	dst := filepath.Join(dir, "a.txt")
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/a.txt", Dst: dst, Size: 2,
		Meta: wire.Metadata{Kind: wire.KindFile, Mode: 0o640, Mtime: mtime},
	}, []byte("hi"))
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	fi, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(mtime))

	s := d.Summary()
	assert.EqualValues(t, 1, s.FilesCopied)
	assert.EqualValues(t, 2, s.BytesCopied)
}

func TestReceiveKeepsExistingWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "k.txt")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	d := newTestDest(t, &wire.MasterHelloDest{})
	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/k.txt", Dst: dst, Size: 3,
		Meta: wire.Metadata{Kind: wire.KindFile, Mode: 0o644},
	}, []byte("new"))
	require.NoError(t, err)

	data, _ := os.ReadFile(dst)
	assert.Equal(t, "old", string(data), "pre-existing file must survive")
	s := d.Summary()
	assert.EqualValues(t, 1, s.FilesSkippedExisting)
	assert.Zero(t, s.FilesCopied)
}

func TestReceiveOverwriteCompareSkipsIdentical(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(dst, []byte("abc"), 0o644))
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(dst, mtime, mtime))

	d := newTestDest(t, &wire.MasterHelloDest{
		Overwrite: true,
		Compare:   wire.CmpSize | wire.CmpMtime,
	})
	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/a.txt", Dst: dst, Size: 3,
		Meta: wire.Metadata{Kind: wire.KindFile, Mode: 0o644, Mtime: mtime},
	}, []byte("xyz"))
	require.NoError(t, err)

	data, _ := os.ReadFile(dst)
	assert.Equal(t, "abc", string(data), "identical file must not be rewritten")
	s := d.Summary()
	assert.EqualValues(t, 1, s.FilesUnchanged)
	assert.Zero(t, s.FilesCopied)
}

func TestReceiveOverwriteCompareDifferentSizeRewrites(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(dst, []byte("longer content"), 0o644))

	d := newTestDest(t, &wire.MasterHelloDest{
		Overwrite: true,
		Compare:   wire.CmpSize,
	})
	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/a.txt", Dst: dst, Size: 3,
		Meta: wire.Metadata{Kind: wire.KindFile, Mode: 0o644},
	}, []byte("xyz"))
	require.NoError(t, err)

	data, _ := os.ReadFile(dst)
	assert.Equal(t, "xyz", string(data))
	assert.EqualValues(t, 1, d.Summary().FilesCopied)
}

func TestReceiveDrainsUnderFailedAncestor(t *testing.T) {
	dir := t.TempDir()
	d := newTestDest(t, &wire.MasterHelloDest{})
	d.tracker.DirFailed(filepath.Join(dir, "bad"), true)

	dst := filepath.Join(dir, "bad", "sub", "f.txt")
	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/f.txt", Dst: dst, Size: 5,
		Meta: wire.Metadata{Kind: wire.KindFile},
	}, []byte("hello"))
	require.NoError(t, err, "drained stream stays usable")

	assert.NoFileExists(t, dst)
	assert.EqualValues(t, 1, d.Summary().FilesSkipped)
}

func TestReceiveRootFileMarksRootSeen(t *testing.T) {
	dir := t.TempDir()
	d := newTestDest(t, &wire.MasterHelloDest{})
	d.tracker.StructureComplete(1)

	dst := filepath.Join(dir, "root.bin")
	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/root.bin", Dst: dst, Size: 0,
		Meta: wire.Metadata{Kind: wire.KindFile}, IsRoot: true,
	}, nil)
	require.NoError(t, err)

	assert.FileExists(t, dst)
	assert.True(t, d.tracker.Done())
}

func TestReceiveShortPayloadCorruptsStream(t *testing.T) {
	dir := t.TempDir()
	d := newTestDest(t, &wire.MasterHelloDest{})
	dst := filepath.Join(dir, "cut.txt")
	err := feedFile(t, d, &wire.FileHeader{
		Src: "/s/cut.txt", Dst: dst, Size: 100,
		Meta: wire.Metadata{Kind: wire.KindFile},
	}, []byte("only this"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}
