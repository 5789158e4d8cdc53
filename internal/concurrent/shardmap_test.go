package concurrent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapGetSetDelete(t *testing.T) {
	m := NewMap[string, int]()

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("a", 1)
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	removed := m.Delete("a")
	assert.True(t, removed)
	_, ok = m.Get("a")
	assert.False(t, ok)
}

func TestMapWithLockIsAtomicPerKey(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("counter", 0)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithLock("counter", func(cur int, ok bool) (int, bool) {
				return cur + 1, false
			})
		}()
	}
	wg.Wait()

	v, _ := m.Get("counter")
	assert.Equal(t, 200, v)
}

func TestMapRangeAndKeys(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	assert.Equal(t, 3, m.Len())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, m.Keys())

	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, seen)
}

func TestMapRangeStopsEarly(t *testing.T) {
	m := NewMap[string, int]()
	for i := 0; i < 10; i++ {
		m.Set(string(rune('a'+i)), i)
	}
	count := 0
	m.Range(func(k string, v int) bool {
		count++
		return count < 3
	})
	assert.Equal(t, 3, count)
}
