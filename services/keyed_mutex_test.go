package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.False(t, k.Held("a"))
}

func TestKeyedMutex_TryLock(t *testing.T) {
	k := NewKeyedMutex()

	unlock := k.Lock("a")
	assert.True(t, k.Held("a"))

	_, ok := k.TryLock("a")
	assert.False(t, ok)

	other, ok := k.TryLock("b")
	require.True(t, ok)
	other()

	unlock()
	again, ok := k.TryLock("a")
	require.True(t, ok)
	again()
	assert.False(t, k.Held("a"))
}
