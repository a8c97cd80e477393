package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipList_Insert(t *testing.T) {
	tests := []struct {
		name   string
		key    uint64
		value  string
		verify func(*testing.T, *SkipList[string])
	}{
		{
			name:  "insert single element",
			key:   10,
			value: "value1",
			verify: func(t *testing.T, sl *SkipList[string]) {
				val, found := sl.Search(10)
				assert.True(t, found)
				assert.Equal(t, "value1", val)
			},
		},
		{
			name:  "insert multiple elements",
			key:   20,
			value: "value2",
			verify: func(t *testing.T, sl *SkipList[string]) {
				sl.Insert(30, "value3")
				sl.Insert(10, "value1")

				assert.Equal(t, 3, sl.Len())
				val, found := sl.Search(10)
				assert.True(t, found)
				assert.Equal(t, "value1", val)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl := NewSkipList[string]()
			sl.Insert(tt.key, tt.value)
			tt.verify(t, sl)
		})
	}
}

func TestSkipList_Update(t *testing.T) {
	sl := NewSkipList[string]()

	sl.Insert(1, "value1")
	sl.Insert(1, "value2")

	val, found := sl.Search(1)
	require.True(t, found)
	assert.Equal(t, "value2", val)
	assert.Equal(t, 1, sl.Len())
}

func TestSkipList_FloorCeiling(t *testing.T) {
	sl := NewSkipList[string]()
	sl.Insert(0, "v0")
	sl.Insert(3, "v3")
	sl.Insert(7, "v7")

	tests := []struct {
		name        string
		key         uint64
		wantFloor   uint64
		floorOK     bool
		wantCeiling uint64
		ceilingOK   bool
	}{
		{"exact", 3, 3, true, 3, true},
		{"between", 5, 3, true, 7, true},
		{"past end", 9, 7, true, 0, false},
		{"first", 0, 0, true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, _, ok := sl.Floor(tt.key)
			assert.Equal(t, tt.floorOK, ok)
			assert.Equal(t, tt.wantFloor, k)

			k, _, ok = sl.Ceiling(tt.key)
			assert.Equal(t, tt.ceilingOK, ok)
			assert.Equal(t, tt.wantCeiling, k)
		})
	}

	k, v, ok := sl.First()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), k)
	assert.Equal(t, "v0", v)

	k, v, ok = sl.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), k)
	assert.Equal(t, "v7", v)
}

func TestSkipList_Delete(t *testing.T) {
	sl := NewSkipList[string]()
	sl.Insert(1, "value1")
	sl.Insert(2, "value2")
	sl.Insert(3, "value3")

	tests := []struct {
		name    string
		key     uint64
		wantOk  bool
		wantLen int
	}{
		{"delete existing key", 2, true, 2},
		{"delete non-existing key", 4, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := sl.Delete(tt.key)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.wantLen, sl.Len())

			if ok {
				_, found := sl.Search(tt.key)
				assert.False(t, found)
			}
		})
	}
}

func TestSkipList_DeleteWhile(t *testing.T) {
	sl := NewSkipList[int]()
	for i := uint64(0); i < 100; i++ {
		sl.Insert(i*2, int(i))
	}

	removed := sl.DeleteWhile(func(key uint64, _ int) bool { return key < 50 })
	assert.Equal(t, 25, removed)
	assert.Equal(t, 75, sl.Len())

	k, _, ok := sl.First()
	require.True(t, ok)
	assert.Equal(t, uint64(50), k)

	// Remaining entries are all still reachable through the upper levels.
	for i := uint64(25); i < 100; i++ {
		_, found := sl.Search(i * 2)
		assert.True(t, found, "key %d", i*2)
	}

	assert.Equal(t, 75, sl.DeleteWhile(func(uint64, int) bool { return true }))
	assert.Equal(t, 0, sl.Len())
	assert.Equal(t, 0, sl.Level)
}

func TestSkipList_Iterator(t *testing.T) {
	sl := NewSkipList[string]()
	sl.Insert(30, "c")
	sl.Insert(10, "a")
	sl.Insert(20, "b")

	iter := sl.Iterator()
	keys := []uint64{}
	for iter.Next() {
		keys = append(keys, iter.Key())
	}
	assert.Equal(t, []uint64{10, 20, 30}, keys)

	iter = sl.Seek(15)
	require.True(t, iter.Next())
	assert.Equal(t, uint64(20), iter.Key())
	assert.Equal(t, "b", iter.Value())
}

func TestSkipList_Empty(t *testing.T) {
	sl := NewSkipList[string]()

	_, found := sl.Search(1)
	assert.False(t, found)
	assert.False(t, sl.Delete(1))
	assert.False(t, sl.Iterator().Next())
	assert.False(t, sl.Seek(0).Next())

	_, _, ok := sl.Last()
	assert.False(t, ok)
	_, _, ok = sl.Floor(5)
	assert.False(t, ok)
	assert.Equal(t, 0, sl.Len())
}

func BenchmarkSkipList_Insert(b *testing.B) {
	sl := NewSkipList[string]()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Insert(uint64(i), "value")
	}
}

func BenchmarkSkipList_Floor(b *testing.B) {
	sl := NewSkipList[string]()
	for i := 0; i < 10000; i++ {
		sl.Insert(uint64(i*3), "value")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Floor(uint64(i % 30000))
	}
}
