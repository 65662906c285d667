package syncx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueGetSet(t *testing.T) {
	v := NewValue(42)
	assert.Equal(t, 42, v.Get())
	assert.Equal(t, uint64(0), v.Version())

	assert.Equal(t, uint64(1), v.Set(100))
	got, ver := v.Load()
	assert.Equal(t, 100, got)
	assert.Equal(t, uint64(1), ver)
}

func TestValueUpdate(t *testing.T) {
	type config struct{ voice string }
	v := NewValue(config{voice: "a"})
	v.Update(func(c *config) { c.voice = "b" })
	assert.Equal(t, "b", v.Get().voice)
	assert.Equal(t, uint64(1), v.Version())
}

func TestCompareAndSet(t *testing.T) {
	v := NewValue("hello")
	_, ver := v.Load()

	assert.True(t, v.CompareAndSet(ver, "world"))
	assert.False(t, v.CompareAndSet(ver, "stale"))
	assert.Equal(t, "world", v.Get())
}

func TestChangedFiresOnRevision(t *testing.T) {
	v := NewValue(0)
	ch := v.Changed()

	select {
	case <-ch:
		t.Fatal("changed before any revision")
	default:
	}

	v.Set(1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("changed not closed")
	}
	assert.NotEqual(t, ch, v.Changed())
}

func TestValueConcurrentSafety(t *testing.T) {
	v := NewValue(0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			v.Update(func(n *int) { *n++ })
		}()
		go func() {
			defer wg.Done()
			_ = v.Get()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, v.Get())
	assert.Equal(t, uint64(100), v.Version())
}
