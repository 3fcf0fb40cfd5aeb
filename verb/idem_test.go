package verb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdemWindowLookupMiss(t *testing.T) {
	w, err := newIdemWindow(8, time.Minute)
	require.NoError(t, err)

	_, ok := w.lookup("anonymous", "/0/readme", "abc")
	assert.False(t, ok)
}

func TestIdemWindowRecordThenReplay(t *testing.T) {
	w, err := newIdemWindow(8, time.Minute)
	require.NoError(t, err)

	resp := idemResponse{status: 200, reason: "CONTENT", body: []byte("hello")}
	w.record("anonymous", "/0/readme", "abc", resp)

	got, ok := w.lookup("anonymous", "/0/readme", "abc")
	require.True(t, ok)
	assert.Equal(t, resp, got)
}

func TestIdemWindowDistinctKeysDoNotCollide(t *testing.T) {
	w, err := newIdemWindow(8, time.Minute)
	require.NoError(t, err)

	w.record("ed25519:aaa", "/0/readme", "abc", idemResponse{status: 200})
	w.record("ed25519:bbb", "/0/readme", "abc", idemResponse{status: 403})

	a, ok := w.lookup("ed25519:aaa", "/0/readme", "abc")
	require.True(t, ok)
	assert.Equal(t, 200, a.status)

	b, ok := w.lookup("ed25519:bbb", "/0/readme", "abc")
	require.True(t, ok)
	assert.Equal(t, 403, b.status)
}

func TestIdemWindowExpiresAfterTTL(t *testing.T) {
	w, err := newIdemWindow(8, time.Millisecond)
	require.NoError(t, err)

	w.record("anonymous", "/0/readme", "abc", idemResponse{status: 200})
	time.Sleep(5 * time.Millisecond)

	_, ok := w.lookup("anonymous", "/0/readme", "abc")
	assert.False(t, ok)
}

func TestIdemWindowBlankIdemAlwaysMisses(t *testing.T) {
	w, err := newIdemWindow(8, time.Minute)
	require.NoError(t, err)

	w.record("anonymous", "/0/readme", "", idemResponse{status: 200})
	_, ok := w.lookup("anonymous", "/0/readme", "")
	assert.False(t, ok)
}
