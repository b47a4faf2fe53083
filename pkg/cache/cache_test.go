package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Stop()

	c.Set("k", "v")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
	assert.True(t, c.Has("k"))
	assert.Equal(t, 1, c.Count())

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	defer c.Stop()

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Count())
}

func TestSetWithTTLOverridesDefault(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	defer c.Stop()

	c.SetWithTTL("long", "v", time.Minute)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestNoExpirationDefaultTTL(t *testing.T) {
	c := New(NoExpiration, 0)
	defer c.Stop()

	c.Set("k", 42)
	time.Sleep(5 * time.Millisecond)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestEvictionLoopDropsUnreadExpiredEntries(t *testing.T) {
	c := New(5*time.Millisecond, 10*time.Millisecond)
	defer c.Stop()

	// Never read again after the write, like credentials for a role that
	// has no remaining deployments: only the eviction loop can reclaim it.
	c.Set("arn:aws:iam::999999999999:role/retired", "creds")
	require.Eventually(t, func() bool {
		gc := c.(*GenericCache)
		_, present := gc.store.Load("arn:aws:iam::999999999999:role/retired")
		return !present
	}, time.Second, 10*time.Millisecond, "the eviction loop should reclaim the expired entry from the backing map")
}

func TestStopWithoutEvictionLoopIsSafe(t *testing.T) {
	c := New(time.Minute, 0)
	c.Stop()
	c.Stop()
}

func TestKeysAndRangeSkipExpired(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Stop()

	c.Set("a", 1)
	c.SetWithTTL("b", 2, time.Nanosecond)
	time.Sleep(time.Millisecond)

	assert.ElementsMatch(t, []string{"a"}, c.Keys())

	var seen []string
	c.Range(func(k string, _ interface{}) bool {
		seen = append(seen, k)
		return true
	})
	assert.ElementsMatch(t, []string{"a"}, seen)
}

func TestGetOrSet(t *testing.T) {
	c := New(time.Minute, 0).(*GenericCache)
	defer c.Stop()

	v, loaded := c.GetOrSet("k", "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", v)

	v, loaded = c.GetOrSet("k", "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", v)
}
