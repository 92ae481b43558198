package metadatacache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-core/internal/posixstat"
)

func TestPutGetStatHit(t *testing.T) {
	c := New(time.Minute)
	s := posixstat.Stat{Ino: 42, Size: 10}
	c.PutStat("/zone/home/u/a", s)

	got, ok := c.GetStat("/zone/home/u/a")
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestGetStatExpires(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.PutStat("/x", posixstat.Stat{Ino: 1})
	// timestamps have one-second granularity, so wait past a whole second
	time.Sleep(1100 * time.Millisecond)

	_, ok := c.GetStat("/x")
	assert.False(t, ok)

	// the expired entry must have been dropped, not merely ignored
	c.statMu.Lock()
	_, present := c.stat["/x"]
	c.statMu.Unlock()
	assert.False(t, present)
}

func TestRemoveStatIdempotent(t *testing.T) {
	c := New(time.Minute)
	c.RemoveStat("/does/not/exist")
	c.PutStat("/x", posixstat.Stat{})
	c.RemoveStat("/x")
	c.RemoveStat("/x")
	_, ok := c.GetStat("/x")
	assert.False(t, ok)
}

func TestDirEntryContainmentAfterCreate(t *testing.T) {
	c := New(time.Minute)
	c.AddDirEntry("/zone/home/u", "a")
	c.AddDirEntry("/zone/home/u", "b")

	assert.True(t, c.CheckExistenceOfDirEntry("/zone/home/u/a"))
	assert.False(t, c.CheckExistenceOfDirEntry("/zone/home/u/c"))

	buf, n, ok := c.GetDirEntry("/zone/home/u")
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "a\x00b\x00", string(buf))
}

func TestGetDirEntryEmptyList(t *testing.T) {
	c := New(time.Minute)
	c.AddDirEntry("/zone/home/u", "a")
	c.RemoveDirEntry("/zone/home/u", "a")

	buf, n, ok := c.GetDirEntry("/zone/home/u")
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0}, buf)
}

func TestAddDirEntryIfFreshNoopWithoutExisting(t *testing.T) {
	c := New(time.Minute)
	c.AddDirEntryIfFresh("/zone/home/u", "a")
	_, _, ok := c.GetDirEntry("/zone/home/u")
	assert.False(t, ok)
}

func TestAddDirEntryIfFreshAppendsToExisting(t *testing.T) {
	c := New(time.Minute)
	c.AddDirEntry("/zone/home/u", "a")
	c.AddDirEntryIfFresh("/zone/home/u", "b")

	assert.True(t, c.CheckExistenceOfDirEntry("/zone/home/u/b"))
}

func TestRemoveDirEntryVacuousSucceeds(t *testing.T) {
	c := New(time.Minute)
	c.RemoveDirEntry("/zone/home/u", "nope")
	c.AddDirEntry("/zone/home/u", "a")
	c.RemoveDirEntry("/zone/home/u", "nope")
	assert.True(t, c.CheckExistenceOfDirEntry("/zone/home/u/a"))
}

func TestClearDropsBoth(t *testing.T) {
	c := New(time.Minute)
	c.PutStat("/x", posixstat.Stat{})
	c.AddDirEntry("/zone", "home")
	c.Clear()

	_, ok := c.GetStat("/x")
	assert.False(t, ok)
	_, _, ok = c.GetDirEntry("/zone")
	assert.False(t, ok)
}

func TestClearExpiredStatThrottled(t *testing.T) {
	c := New(time.Hour)
	c.PutStat("/x", posixstat.Stat{})
	c.lastStatSweep = time.Now()
	c.ClearExpiredStat(false) // should be a no-op: < ttl/2 elapsed

	_, ok := c.GetStat("/x")
	assert.True(t, ok)
}
