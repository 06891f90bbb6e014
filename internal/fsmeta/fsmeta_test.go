package fsmeta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

func TestFromFileInfoRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	fi, err := os.Lstat(path)
	require.NoError(t, err)

	m := FromFileInfo(fi)
	assert.Equal(t, wire.KindFile, m.Kind)
	assert.EqualValues(t, 0o640, m.Mode)
	assert.EqualValues(t, os.Getuid(), m.UID)
	assert.False(t, m.Mtime.IsZero())
}

func TestFromFileInfoSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "l")
	require.NoError(t, os.Symlink("nowhere", link))
	fi, err := os.Lstat(link)
	require.NoError(t, err)
	assert.Equal(t, wire.KindSymlink, FromFileInfo(fi).Kind)
}

func TestApplyModeAndTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	mtime := time.Date(2023, 11, 5, 8, 30, 0, 123456000, time.UTC)

	meta := &wire.Metadata{Kind: wire.KindFile, Mode: 0o751, Mtime: mtime, Atime: mtime}
	err := Apply(path, meta, wire.PreserveSet{Times: true, ModeMask: 0o7777})
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o751), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(mtime), "want %s, got %s", mtime, fi.ModTime())
}

func TestApplyModeMaskLimitsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	meta := &wire.Metadata{Kind: wire.KindFile, Mode: 0o777}
	require.NoError(t, Apply(path, meta, wire.PreserveSet{ModeMask: 0o700}))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
}

func TestApplySymlinkDoesNotFollow(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	link := filepath.Join(dir, "l")
	require.NoError(t, os.Symlink(target, link))
	mtime := time.Date(2022, 1, 2, 3, 4, 5, 0, time.UTC)

	meta := &wire.Metadata{Kind: wire.KindSymlink, Mode: 0o777, Mtime: mtime, Atime: mtime}
	require.NoError(t, Apply(link, meta, wire.PreserveSet{Times: true, ModeMask: 0o7777}))

	fi, err := os.Stat(target)
	require.NoError(t, err)
	assert.False(t, fi.ModTime().Equal(mtime), "target times must be untouched")
}

func TestParsePreserve(t *testing.T) {
	spec, err := ParsePreserve("f:uid,gid,time,0777 d:uid,time l:uid,gid")
	require.NoError(t, err)
	assert.True(t, spec.File.UID)
	assert.True(t, spec.File.Times)
	assert.EqualValues(t, 0o777, spec.File.ModeMask)
	assert.False(t, spec.Dir.GID)
	assert.True(t, spec.Dir.Times)
	assert.Zero(t, spec.Dir.ModeMask)
	assert.True(t, spec.Symlink.GID)
	assert.False(t, spec.Symlink.Times)
}

func TestParsePreserveRejectsJunk(t *testing.T) {
	for _, in := range []string{"x:uid", "f:frobnicate", "uid,gid"} {
		_, err := ParsePreserve(in)
		assert.Error(t, err, in)
	}
}

func TestParseCompare(t *testing.T) {
	attrs, err := ParseCompare("size,mtime")
	require.NoError(t, err)
	assert.Equal(t, wire.CmpSize|wire.CmpMtime, attrs)

	_, err = ParseCompare("size,sha256")
	assert.Error(t, err)
}

func TestIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	mtime := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	hdr := &wire.FileHeader{
		Size: 3,
		Meta: wire.Metadata{Kind: wire.KindFile, Mode: 0o644, Mtime: mtime},
	}
	assert.True(t, Identical(fi, hdr, wire.CmpSize|wire.CmpMtime|wire.CmpMode))

	hdr.Size = 4
	assert.False(t, Identical(fi, hdr, wire.CmpSize|wire.CmpMtime))

	hdr.Size = 3
	hdr.Meta.Mtime = mtime.Add(time.Second)
	assert.False(t, Identical(fi, hdr, wire.CmpSize|wire.CmpMtime))

	assert.False(t, Identical(fi, hdr, 0), "no attributes means never identical")
}
