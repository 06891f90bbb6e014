package source

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

func sourceWithHello(h *wire.MasterHelloSource) *Source {
	return &Source{hello: h}
}

func TestDestForSingleSource(t *testing.T) {
	s := sourceWithHello(&wire.MasterHelloSource{
		SrcPaths: []string{"/src/tree"},
		DstPath:  "/dst/copy",
	})
	assert.Equal(t, "/dst/copy", s.destFor("/src/tree"),
		"no trailing slash: destination is the final name")
}

func TestDestForTrailingSlash(t *testing.T) {
	s := sourceWithHello(&wire.MasterHelloSource{
		SrcPaths: []string{"/src/tree"},
		DstPath:  "/dst/",
	})
	assert.Equal(t, "/dst/tree", s.destFor("/src/tree"),
		"trailing slash: copy into the directory")
}

func TestDestForMultipleSources(t *testing.T) {
	s := sourceWithHello(&wire.MasterHelloSource{
		SrcPaths: []string{"/a/one", "/b/two"},
		DstPath:  "/dst",
	})
	assert.Equal(t, "/dst/one", s.destFor("/a/one"))
	assert.Equal(t, "/dst/two", s.destFor("/b/two"))
}

func TestDestForTrailingSlashSource(t *testing.T) {
	s := sourceWithHello(&wire.MasterHelloSource{
		SrcPaths: []string{"/src/tree/", "/other"},
		DstPath:  "/dst",
	})
	assert.Equal(t, "/dst/tree", s.destFor("/src/tree/"))
}

func TestJoinRel(t *testing.T) {
	assert.Equal(t, "a", joinRel("", "a"))
	assert.Equal(t, "a/b", joinRel("a", "b"))
}

func TestNewAppliesTuneFallbacks(t *testing.T) {
	s, err := New(nil, nil, &wire.MasterHelloSource{}, nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 100, s.hello.Tune.MaxConnections)
	assert.EqualValues(t, 4, s.hello.Tune.PendingMultiplier)
	assert.EqualValues(t, 16<<20, s.hello.Tune.BufferSize)
}
