package bridge

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIntake() *IntakeQueue {
	return NewIntakeQueue(logger.Nop())
}

func TestIntakeHandleAndPop(t *testing.T) {
	q := newTestIntake()

	q.HandleRequest(&ChatCompletionRequest{RequestID: "a"})
	q.HandleRequest(&ChatCompletionRequest{RequestID: "b"})

	assert.True(t, q.HasPendingRequests())
	assert.Equal(t, 2, q.InFlight())

	seen := map[string]bool{}
	for {
		req, ok := q.PopPendingRequest()
		if !ok {
			break
		}
		seen[req.RequestID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
	assert.False(t, q.HasPendingRequests())

	// counter settles only at terminal-response time
	assert.Equal(t, 2, q.InFlight())
	q.DecInFlight()
	q.DecInFlight()
	assert.Equal(t, 0, q.InFlight())
}

func TestIntakeDropsEmptyRequestID(t *testing.T) {
	q := newTestIntake()

	q.HandleRequest(&ChatCompletionRequest{})
	q.HandleRequest(nil)

	assert.False(t, q.HasPendingRequests())
	assert.Equal(t, 0, q.InFlight())
}

func TestIntakeDuplicateRequestIDOverwrites(t *testing.T) {
	q := newTestIntake()

	q.HandleRequest(&ChatCompletionRequest{RequestID: "dup", MaxTokens: 1})
	q.HandleRequest(&ChatCompletionRequest{RequestID: "dup", MaxTokens: 2})

	req, ok := q.PopPendingRequest()
	require.True(t, ok)
	assert.Equal(t, "dup", req.RequestID)

	_, ok = q.PopPendingRequest()
	assert.False(t, ok)
}

func TestIntakeWaitForRequest(t *testing.T) {
	q := newTestIntake()

	// times out with nothing staged
	start := time.Now()
	assert.False(t, q.WaitForRequest(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// returns promptly once a request arrives
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.HandleRequest(&ChatCompletionRequest{RequestID: "x"})
	}()
	assert.True(t, q.WaitForRequest(time.Second))

	// returns immediately when something is already staged
	assert.True(t, q.WaitForRequest(time.Second))
}

func TestIntakeWaitWakesOnStop(t *testing.T) {
	q := newTestIntake()

	done := make(chan bool, 1)
	go func() {
		done <- q.WaitForRequest(5 * time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Stop()

	select {
	case woke := <-done:
		assert.True(t, woke)
	case <-time.After(time.Second):
		t.Fatal("WaitForRequest did not wake on Stop")
	}
	assert.False(t, q.Running())
}

func TestIntakeConcurrentProducers(t *testing.T) {
	q := newTestIntake()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.HandleRequest(&ChatCompletionRequest{
					RequestID: fmt.Sprintf("p%d-r%d", p, i),
				})
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.InFlight())

	count := 0
	for {
		_, ok := q.PopPendingRequest()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
