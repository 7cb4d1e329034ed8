package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func newExecutor() *KeyedExecutor {
	return NewKeyedExecutor(logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestKeyedExecutor_Runs_Tasks_Of_One_Key_In_Order(t *testing.T) {
	req := require.New(t)
	exec := newExecutor()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		exec.Submit("room", func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		})
	}
	exec.Wait()

	req.Len(order, 100)
	for i, v := range order {
		req.Equal(i, v)
	}
	req.Zero(exec.Pending())
}

func TestKeyedExecutor_Different_Keys_Do_Not_Block_Each_Other(t *testing.T) {
	req := require.New(t)
	exec := newExecutor()
	release := make(chan struct{})

	// Given a key blocked by a long task
	exec.Submit("slow", func() { <-release })

	// When another key submits work
	err := exec.Do(context.Background(), "fast", func() {})

	// Then it completes while the first key is still busy
	req.NoError(err)
	req.Equal(1, exec.Pending())
	close(release)
	exec.Wait()
}

func TestKeyedExecutor_Do_Returns_On_Context_Cancel(t *testing.T) {
	req := require.New(t)
	exec := newExecutor()
	release := make(chan struct{})
	exec.Submit("room", func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := exec.Do(ctx, "room", func() { ran.Store(true) })

	req.ErrorIs(err, context.DeadlineExceeded)
	close(release)
	exec.Wait()
	// The task still ran, in order
	req.True(ran.Load())
}

func TestKeyedExecutor_Survives_Panicking_Task(t *testing.T) {
	req := require.New(t)
	var buf syncBuffer
	exec := NewKeyedExecutor(slog.New(slog.NewTextHandler(&buf, nil)))

	exec.Submit("room", func() { panic("boom") })
	var ran atomic.Bool
	err := exec.Do(context.Background(), "room", func() { ran.Store(true) })

	req.NoError(err)
	req.True(ran.Load())

	// And the panic is logged with its key
	req.Contains(buf.String(), "Task panicked")
	req.Contains(buf.String(), "key=room")
	req.Contains(buf.String(), "boom")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
