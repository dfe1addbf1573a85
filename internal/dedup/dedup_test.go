package dedup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitOnce(t *testing.T) {
	d := New(Config{})

	require.True(t, d.Admit("vx-1"))
	for i := 0; i < 5; i++ {
		assert.False(t, d.Admit("vx-1"))
	}
	assert.True(t, d.Admit("vx-2"))
}

func TestAdmitEmptyIDRejected(t *testing.T) {
	d := New(Config{})
	assert.False(t, d.Admit(""))
}

func TestBoundedRetention(t *testing.T) {
	d := New(Config{Ceiling: 10, Retain: 5})

	for i := 0; i < 11; i++ {
		require.True(t, d.Admit(fmt.Sprintf("vx-%d", i)))
	}
	assert.Equal(t, 5, d.Len())

	// evicted ids would be re-admitted; recent ones stay blocked
	assert.False(t, d.Admit("vx-10"))
	assert.True(t, d.Admit("vx-0"))
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	d := New(Config{})

	const workers = 32
	var (
		wg    sync.WaitGroup
		admit = make(chan bool, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admit <- d.Admit("vx-shared")
		}()
	}
	wg.Wait()
	close(admit)

	winners := 0
	for ok := range admit {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
