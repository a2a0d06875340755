package flowtable

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestInsertLookupRemove(t *testing.T) {
	tbl := New[string, int]("test", 4)

	require.NoError(t, tbl.Insert("a", 1))
	v, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, tbl.Insert("a", 2))
	v, _ = tbl.Peek("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, tbl.Len())

	v, ok = tbl.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = tbl.Remove("a")
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestLRUEvictsOldestUnused(t *testing.T) {
	var evicted []string
	tbl := New[string, int]("test", 3, WithOnRemove[string, int](func(k string, _ int) {
		evicted = append(evicted, k)
	}))

	require.NoError(t, tbl.Insert("a", 1))
	require.NoError(t, tbl.Insert("b", 2))
	require.NoError(t, tbl.Insert("c", 3))
	tbl.Touch("a")

	require.NoError(t, tbl.Insert("d", 4))
	assert.Equal(t, []string{"b"}, evicted)

	require.NoError(t, tbl.Insert("e", 5))
	assert.Equal(t, []string{"b", "c"}, evicted)

	_, ok := tbl.Peek("a")
	assert.True(t, ok)
}

func TestEvictionNeverStarvesOldest(t *testing.T) {
	// the entry evicted is always the one untouched the longest
	order := map[int]int{}
	tick := 0
	var victims []int
	tbl := New[int, int]("test", 8, WithOnRemove[int, int](func(k, _ int) { victims = append(victims, k) }))

	for i := 0; i < 100; i++ {
		tick++
		if i%3 == 0 && i >= 5 {
			k := i - 5
			if tbl.Touch(k) {
				order[k] = tick
			}
		}
		require.NoError(t, tbl.Insert(i, i))
		order[i] = tick
		if len(victims) > 0 {
			v := victims[len(victims)-1]
			for _, s := range tbl.Dump() {
				assert.GreaterOrEqual(t, order[s.Key], order[v], "kept %d older than evicted %d", s.Key, v)
			}
			victims = victims[:0]
		}
	}
}

func TestPinnedEntriesAndTableFull(t *testing.T) {
	tbl := New[string, bool]("pinned", 2, WithEvictable[string, bool](func(pinned bool) bool { return !pinned }))

	require.NoError(t, tbl.Insert("p1", true))
	require.NoError(t, tbl.Insert("s1", false))
	tbl.Touch("p1")

	require.NoError(t, tbl.Insert("p2", true))
	_, ok := tbl.Peek("s1")
	assert.False(t, ok, "static entry should make room")

	err := tbl.Insert("p3", true)
	assert.ErrorIs(t, err, core.ErrTableFull)
	assert.Equal(t, 2, tbl.Len())
	assert.False(t, tbl.EvictIfFull())
}

func TestInsertIf(t *testing.T) {
	tbl := New[string, int]("test", 2)
	ok, err := tbl.InsertIf("a", 1, func() bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())

	ok, err = tbl.InsertIf("a", 1, func() bool { return true })
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLookupOrInsert(t *testing.T) {
	tbl := New[string, int]("loi", 2)
	calls := 0
	mk := func() int { calls++; return calls }

	v, loaded, err := tbl.LookupOrInsert("a", mk)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded, err = tbl.LookupOrInsert("a", mk)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, calls)

	pinned := New[string, int]("loi-pinned", 1, WithEvictable[string, int](func(int) bool { return false }))
	_, _, err = pinned.LookupOrInsert("a", mk)
	require.NoError(t, err)
	_, _, err = pinned.LookupOrInsert("b", mk)
	assert.ErrorIs(t, err, core.ErrTableFull)
}

func TestExpireAndRefresh(t *testing.T) {
	clk := newClock()
	var expired []string
	tbl := New[string, int]("test", 10,
		WithClock[string, int](clk.Now),
		WithOnRemove[string, int](func(k string, _ int) { expired = append(expired, k) }),
	)

	require.NoError(t, tbl.Insert("old", 1))
	require.NoError(t, tbl.Insert("kept", 2))
	clk.Advance(50 * time.Second)
	tbl.Touch("kept")
	require.NoError(t, tbl.Insert("young", 3))
	clk.Advance(20 * time.Second)

	assert.True(t, tbl.Refresh("old", clk.Now().Add(-5*time.Second)))
	require.NoError(t, tbl.Insert("stale", 4))
	assert.True(t, tbl.Refresh("stale", clk.Now().Add(-time.Hour)), "refresh never moves time backwards")

	n := tbl.Expire(clk.Now(), 60*time.Second)
	assert.Equal(t, 0, n)

	clk.Advance(60 * time.Second)
	n = tbl.Expire(clk.Now(), 60*time.Second)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"kept", "young", "old"}, expired)
	assert.Equal(t, 1, tbl.Len())
}

func TestDumpHitsAndClear(t *testing.T) {
	tbl := New[string, int]("test", 10)
	require.NoError(t, tbl.Insert("a", 1))
	tbl.Lookup("a")
	tbl.Lookup("a")

	snaps := tbl.Dump()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(2), snaps[0].Hits)

	require.NoError(t, tbl.Insert("b", 2))
	assert.Equal(t, 1, tbl.RemoveIf(func(k string, _ int) bool { return k == "a" }))
	assert.Equal(t, 1, tbl.Clear())
	assert.Equal(t, 0, tbl.Len())
}

func TestConcurrentAccess(t *testing.T) {
	tbl := New[int, int]("test", 64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := (w*1000 + i) % 128
				_ = tbl.Insert(k, i)
				tbl.Lookup(k)
				if i%7 == 0 {
					tbl.Remove(k)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, tbl.Len(), 64)
}

func TestTCPTracker(t *testing.T) {
	tests := []struct {
		name  string
		steps []struct {
			dir   core.Direction
			flags uint8
		}
		want TCPState
	}{
		{
			name: "handshake",
			steps: []struct {
				dir   core.Direction
				flags uint8
			}{
				{core.DirOut, core.TCPSyn},
				{core.DirIn, core.TCPSyn | core.TCPAck},
				{core.DirOut, core.TCPAck},
			},
			want: TCPEstablished,
		},
		{
			name: "syn only",
			steps: []struct {
				dir   core.Direction
				flags uint8
			}{
				{core.DirOut, core.TCPSyn},
			},
			want: TCPNew,
		},
		{
			name: "half close",
			steps: []struct {
				dir   core.Direction
				flags uint8
			}{
				{core.DirOut, core.TCPSyn},
				{core.DirIn, core.TCPSyn | core.TCPAck},
				{core.DirOut, core.TCPFin | core.TCPAck},
			},
			want: TCPClosing,
		},
		{
			name: "full close",
			steps: []struct {
				dir   core.Direction
				flags uint8
			}{
				{core.DirOut, core.TCPSyn},
				{core.DirIn, core.TCPSyn | core.TCPAck},
				{core.DirOut, core.TCPFin | core.TCPAck},
				{core.DirIn, core.TCPFin | core.TCPAck},
			},
			want: TCPClosed,
		},
		{
			name: "reset",
			steps: []struct {
				dir   core.Direction
				flags uint8
			}{
				{core.DirOut, core.TCPSyn},
				{core.DirIn, core.TCPRst},
			},
			want: TCPClosed,
		},
		{
			name: "closed is terminal",
			steps: []struct {
				dir   core.Direction
				flags uint8
			}{
				{core.DirOut, core.TCPRst},
				{core.DirOut, core.TCPSyn},
			},
			want: TCPClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTCPTracker(core.DirOut)
			for _, s := range tt.steps {
				tr.Observe(s.dir, s.flags)
			}
			assert.Equal(t, tt.want, tr.State())
			assert.Equal(t, fmt.Sprint(tt.want), tr.State().String())
		})
	}
}
