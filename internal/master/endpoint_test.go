package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want Endpoint
	}{
		{"/local/path", Endpoint{Path: "/local/path"}},
		{"relative/path", Endpoint{Path: "relative/path"}},
		{"host:/data", Endpoint{Host: "host", Path: "/data"}},
		{"alice@host:/data/", Endpoint{User: "alice", Host: "host", Path: "/data/"}},
		{"./dir:with:colons", Endpoint{Path: "./dir:with:colons"}},
	}
	for _, c := range cases {
		got, err := ParseEndpoint(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseEndpointErrors(t *testing.T) {
	for _, in := range []string{"", "host:", "@host:/x", ":path"} {
		_, err := ParseEndpoint(in)
		assert.Error(t, err, in)
	}
}

func TestEndpointString(t *testing.T) {
	ep, err := ParseEndpoint("alice@host:/data")
	require.NoError(t, err)
	assert.Equal(t, "alice@host:/data", ep.String())
	assert.True(t, ep.Remote())

	local, err := ParseEndpoint("/tmp/x")
	require.NoError(t, err)
	assert.False(t, local.Remote())
}
