package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type recorder struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 16)}
}

func (r *recorder) handle(subject string, payload []byte) {
	r.mu.Lock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
}

func TestMemoryPublishExactSubject(t *testing.T) {
	b := NewMemory(testLogger(t))
	rec := newRecorder()
	_, err := b.Subscribe("agent.output.run-1", rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish("agent.output.run-1", map[string]any{"chunk": "hello"}))
	rec.wait(t, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.payloads[0], &got))
	assert.Equal(t, "hello", got["chunk"])
}

func TestMemoryWildcardSingleToken(t *testing.T) {
	b := NewMemory(testLogger(t))
	rec := newRecorder()
	_, err := b.Subscribe("agent.output.*", rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish("agent.output.run-1", "a"))
	require.NoError(t, b.Publish("agent.output.run-2", "b"))
	require.NoError(t, b.Publish("agent.started.run-3", "c"))
	rec.wait(t, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.subjects, 2)
	assert.NotContains(t, rec.subjects, "agent.started.run-3")
}

func TestMemoryWildcardRest(t *testing.T) {
	b := NewMemory(testLogger(t))
	rec := newRecorder()
	_, err := b.Subscribe("task.>", rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish("task.t1.updated", "x"))
	require.NoError(t, b.Publish("task.t1.events.appended", "y"))
	rec.wait(t, 2)
}

func TestMemoryUnsubscribe(t *testing.T) {
	b := NewMemory(testLogger(t))
	rec := newRecorder()
	sub, err := b.Subscribe("a.b", rec.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish("a.b", "x"))
	select {
	case <-rec.notify:
		t.Fatal("received message after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClosedBusRejectsPublish(t *testing.T) {
	b := NewMemory(testLogger(t))
	b.Close()
	assert.False(t, b.Connected())
	assert.Error(t, b.Publish("a", "x"))
	_, err := b.Subscribe("a", func(string, []byte) {})
	assert.Error(t, err)
}
