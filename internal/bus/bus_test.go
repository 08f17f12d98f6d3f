package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func TestEmitDeliversInOrder(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe(models.EventStreamText, "collector", func(ctx context.Context, ev models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(int))
		if len(got) == 100 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 100; i++ {
		b.Emit(models.EventStreamText, i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHandlerErrorIsIsolated(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	delivered := make(chan struct{})
	b.Subscribe(models.EventConversationDone, "failing", func(ctx context.Context, ev models.Event) error {
		return errors.New("boom")
	})
	b.Subscribe(models.EventConversationDone, "healthy", func(ctx context.Context, ev models.Event) error {
		close(delivered)
		return nil
	})

	b.Emit(models.EventConversationDone, "payload")

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling handler was not delivered after peer failure")
	}
}

func TestMailboxOverflowDropsOldest(t *testing.T) {
	b := New(testLogger(), WithMailboxSize(4))
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []int

	b.Subscribe(models.EventStreamText, "slow", func(ctx context.Context, ev models.Event) error {
		<-release
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
		return nil
	})

	// First event is pulled by the drain goroutine and blocks; the mailbox
	// then fills, forcing drops of the oldest queued entries.
	for i := 0; i < 20; i++ {
		b.Emit(models.EventStreamText, i)
	}
	require.Eventually(t, func() bool { return b.Dropped() > 0 }, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 19
	}, 2*time.Second, 10*time.Millisecond)

	// Whatever survived must be a subsequence of the emission order.
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}

	drops := b.DroppedBySubscriber()
	assert.Equal(t, b.Dropped(), drops["slow"])
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	b := New(testLogger())
	b.Subscribe(models.EventStreamText, "sub", func(ctx context.Context, ev models.Event) error { return nil })
	b.Close()
	b.Emit(models.EventStreamText, 1)
	b.Close()
}

func TestSubscribersFanOutIndependently(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		b.Subscribe(models.EventMemorySaved, "sub", func(ctx context.Context, ev models.Event) error {
			wg.Done()
			return nil
		})
	}
	b.Emit(models.EventMemorySaved, nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
}
