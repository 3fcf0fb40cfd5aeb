package verb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectOnceNoRedirect(t *testing.T) {
	fn := func(sel Selector) (string, error) { return "content at " + sel.Raw, nil }

	sel, _ := Parse("/0/readme")
	result, final, err := redirectOnce(sel, fn)
	require.NoError(t, err)
	assert.Equal(t, "content at /0/readme", result)
	assert.Equal(t, "/0/readme", final.Raw)
}

func TestRedirectOnceFollowsSingleMove(t *testing.T) {
	calls := 0
	fn := func(sel Selector) (string, error) {
		calls++
		if sel.Raw == "/0/old" {
			return "", &Moved{Location: "/0/new"}
		}
		return "content at " + sel.Raw, nil
	}

	sel, _ := Parse("/0/old")
	result, final, err := redirectOnce(sel, fn)
	require.NoError(t, err)
	assert.Equal(t, "content at /0/new", result)
	assert.Equal(t, "/0/new", final.Raw)
	assert.Equal(t, 2, calls)
}

func TestRedirectOnceCollapsesChainToError(t *testing.T) {
	fn := func(sel Selector) (string, error) {
		return "", &Moved{Location: "/0/" + sel.SubPath}
	}

	sel, _ := Parse("/0/a")
	_, _, err := redirectOnce(sel, fn)
	require.Error(t, err)
	_, isMoved := err.(*Moved)
	assert.False(t, isMoved, "a redirect chain must collapse to a plain error, not a second Moved")
}

func TestRedirectOnceBadLocationFails(t *testing.T) {
	fn := func(sel Selector) (string, error) { return "", &Moved{Location: "not-a-selector"} }

	sel, _ := Parse("/0/a")
	_, _, err := redirectOnce(sel, fn)
	require.Error(t, err)
}
