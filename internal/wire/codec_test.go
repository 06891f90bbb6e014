package wire

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	got, err := Decode(Append(nil, m))
	require.NoError(t, err)
	require.IsType(t, m, got)
	return got
}

func TestDirectoryRoundTrip(t *testing.T) {
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 987654321, time.UTC)
	d := &Directory{
		Src: "/src/a", Dst: "/dst/a",
		Meta: Metadata{
			Kind: KindDir, Mode: 0o2755, UID: 1000, GID: 100,
			Mtime: mtime, Atime: mtime.Add(time.Hour),
		},
		IsRoot:     true,
		EntryCount: 7, FileCount: 3, KeepIfEmpty: true,
	}
	got := roundTrip(t, d).(*Directory)
	assert.Equal(t, d.Src, got.Src)
	assert.Equal(t, d.Dst, got.Dst)
	assert.True(t, got.IsRoot)
	assert.True(t, got.KeepIfEmpty)
	assert.EqualValues(t, 7, got.EntryCount)
	assert.EqualValues(t, 3, got.FileCount)
	assert.Equal(t, KindDir, got.Meta.Kind)
	assert.EqualValues(t, 0o2755, got.Meta.Mode)
	assert.True(t, got.Meta.Mtime.Equal(mtime), "mtime must survive with nanoseconds")
}

func TestMasterHelloSourceRoundTrip(t *testing.T) {
	m := &MasterHelloSource{
		SrcPaths:   []string{"/a", "/b", "/c"},
		DstPath:    "/dst",
		DestCertFP: bytes.Repeat([]byte{0xab}, 32),
		Filter: &FilterSpec{Rules: []FilterRule{
			{Include: false, Pattern: "*.tmp"},
			{Include: true, Pattern: "build/**", DirOnly: true},
		}},
		DryRun: DryRunBrief,
		Tune:   Tune{MaxConnections: 100, PendingMultiplier: 4, BufferSize: 16 << 20, Compress: true},
	}
	got := roundTrip(t, m).(*MasterHelloSource)
	assert.Equal(t, m.SrcPaths, got.SrcPaths)
	assert.Equal(t, m.DestCertFP, got.DestCertFP)
	require.NotNil(t, got.Filter)
	assert.Equal(t, m.Filter.Rules, got.Filter.Rules)
	assert.Equal(t, DryRunBrief, got.DryRun)
	assert.Equal(t, m.Tune, got.Tune)
}

func TestRcpdResultCarriesSummaryAndErrorChain(t *testing.T) {
	r := &RcpdResult{
		OK:    false,
		Error: "create directory /dst/x: mkdir /dst/x: permission denied",
		Summary: Summary{
			FilesCopied: 10, BytesCopied: 12345, FilesSkipped: 2,
			DirsCreated: 4, DirsFailed: 1, Errors: 3,
		},
	}
	got := roundTrip(t, r).(*RcpdResult)
	assert.False(t, got.OK)
	assert.Contains(t, got.Error, "permission denied")
	assert.Equal(t, r.Summary, got.Summary)
}

func TestZeroValuesSurviveEmptyBody(t *testing.T) {
	// A DirStructureComplete with zero root items encodes to an empty body
	// and must still decode to the right type.
	m := roundTrip(t, &DirStructureComplete{}).(*DirStructureComplete)
	assert.Zero(t, m.RootItems)

	roundTrip(t, &DestinationDone{})
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	// A future peer may add tags; old decoders must not choke.
	body := Append(nil, &FileSkipped{Src: "/s", Dst: "/d"})
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendString(body, "from the future")
	body = protowire.AppendTag(body, 100, protowire.VarintType)
	body = protowire.AppendVarint(body, 42)

	got, err := Decode(body)
	require.NoError(t, err)
	fs := got.(*FileSkipped)
	assert.Equal(t, "/s", fs.Src)
	assert.Equal(t, "/d", fs.Dst)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	body := protowire.AppendVarint(nil, 999)
	_, err := Decode(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message kind")
}

func TestConnFramingOverPipe(t *testing.T) {
	client, server := net.Pipe()
	cc, sc := NewConn(client), NewConn(server)
	defer cc.Close()
	defer sc.Close()

	go func() {
		_ = cc.WriteMessage(&Symlink{Src: "/s/l", Dst: "/d/l", Target: "dir1/x"})
		_ = cc.WriteMessage(&DirectoryCreated{Src: "/s", Dst: "/d", FileCount: 2})
	}()

	m1, err := sc.ReadMessage()
	require.NoError(t, err)
	link := m1.(*Symlink)
	assert.Equal(t, "dir1/x", link.Target)

	m2, err := sc.ReadMessage()
	require.NoError(t, err)
	created := m2.(*DirectoryCreated)
	assert.EqualValues(t, 2, created.FileCount)
}

func TestReadMessageEOFOnCleanClose(t *testing.T) {
	client, server := net.Pipe()
	sc := NewConn(server)
	require.NoError(t, client.Close())
	_, err := sc.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAppendFrameMatchesReadMessage(t *testing.T) {
	hdr := &FileHeader{
		Src: "/s/f", Dst: "/d/f", Size: 5,
		Meta: Metadata{Kind: KindFile, Mode: 0o644},
	}
	buf := AppendFrame(nil, hdr)
	buf = append(buf, []byte("hello")...)

	br := bufio.NewReader(bytes.NewReader(buf))
	m, err := ReadMessage(br)
	require.NoError(t, err)
	got := m.(*FileHeader)
	assert.EqualValues(t, 5, got.Size)

	payload := make([]byte, got.Size)
	_, err = io.ReadFull(br, payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	// forge an oversized frame length
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x7f})
	_, err := ReadMessage(bufio.NewReader(&buf))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}
