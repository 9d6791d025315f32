package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func identifiedConn(t *testing.T, url string) *Conn {
	t.Helper()
	conn := newConn(DirectionOutbound, NormalizeURL(url), nil, nil)
	if err := conn.identify(NormalizeURL(url), ParseHost(url), time.Now()); err != nil {
		t.Fatalf("identify: %v", err)
	}
	return conn
}

func TestOutboundCacheAddIsIdempotent(t *testing.T) {
	cache := NewOutboundCache()
	conn := identifiedConn(t, "ws://peer.example:7000")

	require.True(t, cache.Add(conn))
	require.True(t, cache.Add(conn))
	require.Equal(t, 1, cache.Len())
	require.Same(t, conn, cache.Get("WS://PEER.EXAMPLE:7000"))

	require.False(t, cache.Add(nil))
	require.False(t, cache.Add(newConn(DirectionOutbound, "", nil, nil)), "conn without peer has no cache key")
}

func TestOutboundCacheRemoveByIdentity(t *testing.T) {
	cache := NewOutboundCache()
	kept := identifiedConn(t, "ws://peer.example:7000")
	other := identifiedConn(t, "ws://peer.example:7000")

	require.True(t, cache.Add(kept))
	require.False(t, cache.Remove(other))
	require.Same(t, kept, cache.Get("ws://peer.example:7000"))
	require.True(t, cache.Remove(kept))
	require.Nil(t, cache.Get("ws://peer.example:7000"))
	require.False(t, cache.Remove(kept))
}

func TestOutboundCacheClaim(t *testing.T) {
	cache := NewOutboundCache()
	first := identifiedConn(t, "ws://a.example:1")
	second := identifiedConn(t, "ws://a.example:1")

	owner, ok := cache.claim("ws://A.example:1", first)
	require.True(t, ok)
	require.Same(t, first, owner)

	owner, ok = cache.claim("ws://a.example:1", second)
	require.False(t, ok)
	require.Same(t, first, owner)
	require.Equal(t, 1, cache.Len())
}

func TestOutboundCacheSnapshotAndReset(t *testing.T) {
	cache := NewOutboundCache()
	a := identifiedConn(t, "ws://a.example:1")
	b := identifiedConn(t, "ws://b.example:1")
	cache.Add(a)
	cache.Add(b)

	require.Equal(t, []*Conn{a, b}, cache.Snapshot())
	cache.Reset()
	require.Zero(t, cache.Len())
	require.Nil(t, cache.Get("ws://a.example:1"))
	require.Nil(t, cache.Get(""))
}
