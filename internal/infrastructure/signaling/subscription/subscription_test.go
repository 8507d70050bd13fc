package subscription

import (
	"sync"
	"testing"
	"time"

	"classmesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string

	sub := New("rooms/r1/participants", true, func(ch ports.Change) {
		mu.Lock()
		got = append(got, ch.ID)
		mu.Unlock()
	})
	defer sub.Stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		sub.Push(ports.Change{Type: ports.ChangeAdded, ID: id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	mu.Unlock()
}

func TestSubscription_StopDiscards(t *testing.T) {
	calls := 0
	sub := New("rooms/r1", false, func(ports.Change) { calls++ })
	sub.Stop()
	sub.Stop()
	sub.Push(ports.Change{Type: ports.ChangeModified})

	<-sub.Done()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls)
}

func TestSubscription_Matches(t *testing.T) {
	coll := New("rooms/r1/participants", true, func(ports.Change) {})
	defer coll.Stop()
	assert.True(t, coll.Matches("rooms/r1/participants/p1"))
	assert.False(t, coll.Matches("rooms/r1/participants/p1/candidates/c1"))
	assert.False(t, coll.Matches("rooms/r1"))

	doc := New("rooms/r1", false, func(ports.Change) {})
	defer doc.Stop()
	assert.True(t, doc.Matches("rooms/r1"))
	assert.False(t, doc.Matches("rooms/r1/participants/p1"))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "a/b", Parent("a/b/c"))
	assert.Equal(t, "", Parent("a"))
	assert.Equal(t, "c", Base("a/b/c"))
	assert.Equal(t, "a/b/c", Join("a", "b", "c"))
}
