package bus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stepwise/internal/bus"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func newTestBus(t *testing.T, bufferSize int) *bus.SnapshotBus {
	return bus.New(zaptest.NewLogger(t), bufferSize)
}

func snap(seq uint64) timeline.Snapshot {
	return timeline.Snapshot{ScenarioID: "math", Seq: seq}
}

func TestBus_DeliversOnlyToTopic(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := newTestBus(t, 4)
	defer eb.Shutdown()

	a, unsubA := eb.Subscribe("session-a")
	defer unsubA()
	b, unsubB := eb.Subscribe("session-b")
	defer unsubB()

	require.NoError(t, eb.Post(context.Background(), "session-a", snap(1)))

	select {
	case msg := <-a:
		assert.Equal(t, "session-a", msg.Topic)
		assert.Equal(t, uint64(1), msg.Snapshot.Seq)
		assert.NotEmpty(t, msg.ID)
		eb.Acknowledge(msg)
	case <-time.After(time.Second):
		t.Fatal("subscriber of session-a got nothing")
	}
	assert.Len(t, b, 0)
}

func TestBus_PostWithoutSubscribers(t *testing.T) {
	eb := newTestBus(t, 0)
	defer eb.Shutdown()
	assert.NoError(t, eb.Post(context.Background(), "nobody", snap(1)))
}

func TestBus_Post_CancellationCorrectness(t *testing.T) {
	// Arrange: an unbuffered subscriber nobody reads blocks Post.
	eb := newTestBus(t, 0)
	defer eb.Shutdown()
	msgChan, unsubscribe := eb.Subscribe("s")
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	postDone := make(chan error)
	go func() { postDone <- eb.Post(ctx, "s", snap(1)) }()
	time.Sleep(20 * time.Millisecond)

	// Act
	cancel()

	// Assert
	select {
	case err := <-postDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after cancellation")
	}
	select {
	case <-msgChan:
		t.Error("message delivered after cancellation")
	default:
	}
}

func TestBus_UnsubscribeReleasesBlockedPost(t *testing.T) {
	defer goleak.VerifyNone(t)
	eb := newTestBus(t, 1)
	_, unsubscribe := eb.Subscribe("s")

	require.NoError(t, eb.Post(context.Background(), "s", snap(1)))
	postDone := make(chan error, 1)
	go func() { postDone <- eb.Post(context.Background(), "s", snap(2)) }()
	time.Sleep(20 * time.Millisecond)

	unsubscribe()
	unsubscribe()

	select {
	case err := <-postDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Post stayed blocked on an unsubscribed channel")
	}

	shutdownDone := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("Shutdown waited on messages nobody will acknowledge")
	}
}

func TestBus_ObserverPostsSnapshots(t *testing.T) {
	eb := newTestBus(t, 8)
	defer eb.Shutdown()
	ch, unsubscribe := eb.Subscribe("s")
	defer unsubscribe()

	var obs timeline.Observers
	obs.Add(eb.Observer(context.Background(), "s"))
	obs.Notify(snap(7))

	msg := <-ch
	assert.Equal(t, uint64(7), msg.Snapshot.Seq)
	eb.Acknowledge(msg)
}

func TestBus_SubscribeAfterShutdown(t *testing.T) {
	eb := newTestBus(t, 1)
	eb.Shutdown()

	ch, unsubscribe := eb.Subscribe("s")
	defer unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, eb.Post(context.Background(), "s", snap(1)), bus.ErrShutdown)
}

func TestBus_Shutdown_UnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Arrange: slow subscribers behind small buffers.
	eb := newTestBus(t, 5)
	var subscriberWg sync.WaitGroup
	const numSubscribers = 10
	for i := 0; i < numSubscribers; i++ {
		subscriberWg.Add(1)
		msgChan, _ := eb.Subscribe(fmt.Sprintf("session-%d", i%3))
		go func() {
			defer subscriberWg.Done()
			for msg := range msgChan {
				time.Sleep(time.Millisecond)
				eb.Acknowledge(msg)
			}
		}()
	}

	producerCtx, producerCancel := context.WithCancel(context.Background())
	var producerWg sync.WaitGroup
	const numProducers = 10
	for i := 0; i < numProducers; i++ {
		producerWg.Add(1)
		go func(id int) {
			defer producerWg.Done()
			for j := 0; j < 50; j++ {
				_ = eb.Post(producerCtx, fmt.Sprintf("session-%d", id%3), snap(uint64(j)))
				if producerCtx.Err() != nil {
					return
				}
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)

	// Act
	shutdownDone := make(chan struct{})
	go func() {
		eb.Shutdown()
		close(shutdownDone)
	}()
	producerCancel()

	// Assert
	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("bus shutdown timed out")
	}
	producerWg.Wait()
	subscriberWg.Wait()
}
