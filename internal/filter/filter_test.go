package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

func TestNilFilterIncludesEverything(t *testing.T) {
	f, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Match("anything/at/all", false))
}

func TestFirstMatchDecides(t *testing.T) {
	f, err := New(&wire.FilterSpec{Rules: []wire.FilterRule{
		{Include: true, Pattern: "keep/*.tmp"},
		{Include: false, Pattern: "**.tmp"},
	}})
	require.NoError(t, err)

	assert.True(t, f.Match("keep/a.tmp", false), "earlier include wins")
	assert.False(t, f.Match("other/a.tmp", false))
	assert.True(t, f.Match("other/a.txt", false), "no match means include")
}

func TestDirOnlyRulesSkipFiles(t *testing.T) {
	f, err := New(&wire.FilterSpec{Rules: []wire.FilterRule{
		{Include: false, Pattern: "build", DirOnly: true},
	}})
	require.NoError(t, err)

	assert.False(t, f.Match("build", true))
	assert.True(t, f.Match("build", false), "file named build is not a dir match")
}

func TestBadPatternIsAnError(t *testing.T) {
	_, err := New(&wire.FilterSpec{Rules: []wire.FilterRule{
		{Include: false, Pattern: "[unclosed"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[unclosed")
}
