package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveReturnsIPImmediatelyOnFirstCall(t *testing.T) {
	r := New(2)
	defer r.Close()

	got := r.Resolve("127.0.0.1")
	require.Equal(t, "127.0.0.1", got, "first call must not block on the lookup")
}

func TestResolveEventuallyCachesLocalhost(t *testing.T) {
	r := New(2)
	defer r.Close()

	r.Resolve("127.0.0.1")
	require.Eventually(t, func() bool {
		_, ok := r.Cached("127.0.0.1")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestResolveRejectsNonIPLiteral(t *testing.T) {
	r := New(1)
	defer r.Close()

	got := r.Resolve("not-an-ip")
	require.Equal(t, "not-an-ip", got)

	require.Eventually(t, func() bool {
		host, ok := r.Cached("not-an-ip")
		return ok && host == "not-an-ip"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestResolveSyncBlocksAndCaches(t *testing.T) {
	r := New(1)
	defer r.Close()

	host := r.ResolveSync("127.0.0.1")
	require.NotEmpty(t, host)

	cached, ok := r.Cached("127.0.0.1")
	require.True(t, ok)
	require.Equal(t, host, cached)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(1)
	defer r.Close()

	r.ResolveSync("127.0.0.1")
	snap := r.Snapshot()
	snap["127.0.0.1"] = "tampered"

	cached, _ := r.Cached("127.0.0.1")
	require.NotEqual(t, "tampered", cached)
}
