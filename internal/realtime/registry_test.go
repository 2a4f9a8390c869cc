package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSubscriber) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

func TestRegistry_RegisterTake(t *testing.T) {
	r := NewRegistry()
	sub := &recordingSubscriber{}

	require.NoError(t, r.Register("ws_CO_1", alice, sub))
	assert.Equal(t, 1, r.Len())

	taken, ok := r.Take("ws_CO_1")
	require.True(t, ok)
	assert.Same(t, sub, taken)

	_, ok = r.Take("ws_CO_1")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistry_RemoveSubscriberScansByValue(t *testing.T) {
	r := NewRegistry()
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}

	require.NoError(t, r.Register("t1", alice, a))
	require.NoError(t, r.Register("t2", alice, a))
	require.NoError(t, r.Register("t3", bob, b))

	removed := r.RemoveSubscriber(a)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Take("t3")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRegistry_SameOwnerMovesSubscription(t *testing.T) {
	r := NewRegistry()
	first := &recordingSubscriber{}
	reconnected := &recordingSubscriber{}

	require.NoError(t, r.Register("t1", alice, first))
	require.NoError(t, r.Register("t1", alice, reconnected))

	got, ok := r.Take("t1")
	require.True(t, ok)
	assert.Same(t, reconnected, got)
}

func TestRegistry_OtherOwnerCannotTakeOver(t *testing.T) {
	r := NewRegistry()
	legit := &recordingSubscriber{}
	intruder := &recordingSubscriber{}

	require.NoError(t, r.Register("t1", alice, legit))
	err := r.Register("t1", bob, intruder)
	require.ErrorIs(t, err, ErrSubscriptionTaken)

	got, ok := r.Take("t1")
	require.True(t, ok)
	assert.Same(t, legit, got)
}

func TestRegistry_ConcurrentTakeDeliversOnce(t *testing.T) {
	r := NewRegistry()
	const tokens = 100

	subs := make([]*recordingSubscriber, tokens)
	for i := range subs {
		subs[i] = &recordingSubscriber{}
		require.NoError(t, r.Register(fmt.Sprintf("tok-%d", i), alice, subs[i]))
	}

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < tokens; i++ {
				if sub, ok := r.Take(fmt.Sprintf("tok-%d", i)); ok {
					assert.NoError(t, sub.Deliver(context.Background(), Event{Event: EventPaymentStatus}))
					delivered.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(tokens), delivered.Load())
	assert.Zero(t, r.Len())
	for _, s := range subs {
		assert.Len(t, s.events, 1)
	}
}
