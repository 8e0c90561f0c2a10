package push

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newOutQueue(8)

	for i := 0; i < 3; i++ {
		require.True(t, q.push(NewEnvelope(TypeAssistantMessageDelta, i)))
	}

	for i := 0; i < 3; i++ {
		env := q.pop()
		require.NotNil(t, env)
		assert.Equal(t, i, env.Data)
	}
	assert.Nil(t, q.pop())
}

func TestQueueOverflowDropsOldestOrdinary(t *testing.T) {
	q := newOutQueue(3)

	for i := 0; i < 3; i++ {
		q.push(NewEnvelope(TypeAssistantMessageDelta, i))
	}
	require.True(t, q.push(NewEnvelope(TypeAssistantMessageDelta, 3)))

	assert.Equal(t, 3, q.depth())
	assert.Equal(t, uint64(1), q.drops())
	assert.Equal(t, 1, q.pop().Data)
	assert.Equal(t, 2, q.pop().Data)
	assert.Equal(t, 3, q.pop().Data)
}

func TestQueueCriticalEvictsNewestNonCritical(t *testing.T) {
	q := newOutQueue(3)

	q.push(NewEnvelope(TypeAlert, "oldest"))
	q.push(NewEnvelope(TypeAssistantMessageDelta, "chat-1"))
	q.push(NewEnvelope(TypeAssistantMessageDelta, "chat-2"))

	require.True(t, q.push(NewEnvelope(TypeActionRequest, "approve?")))

	// The newest chat delta made room; the alert and older delta survive in
	// order, with the critical message appended.
	assert.Equal(t, "oldest", q.pop().Data)
	assert.Equal(t, "chat-1", q.pop().Data)
	assert.Equal(t, "approve?", q.pop().Data)
	assert.Nil(t, q.pop())
}

func TestQueueSaturatedWithCriticalRefuses(t *testing.T) {
	q := newOutQueue(2)

	require.True(t, q.push(NewEnvelope(TypeAlert, 1)))
	require.True(t, q.push(NewEnvelope(TypeError, 2)))

	assert.False(t, q.push(NewEnvelope(TypeActionComplete, 3)))
	assert.Equal(t, 2, q.depth())
}

func TestQueueCloseDiscardsAndAcceptsLatePushes(t *testing.T) {
	q := newOutQueue(4)
	q.push(NewEnvelope(TypeAlert, 1))
	q.close()

	assert.Nil(t, q.pop())
	assert.True(t, q.push(NewEnvelope(TypeAlert, 2)))
	assert.Equal(t, 0, q.depth())
}

func TestQueueWakeSignal(t *testing.T) {
	q := newOutQueue(4)

	select {
	case <-q.wake:
		t.Fatal("wake token before any push")
	default:
	}

	q.push(NewEnvelope(TypePong, nil))
	select {
	case <-q.wake:
	default:
		t.Fatal("push did not wake the writer")
	}
}

func TestCriticalSet(t *testing.T) {
	for _, typ := range []string{TypeAlert, TypeActionRequest, TypeActionComplete, TypeError} {
		assert.True(t, critical(typ), fmt.Sprintf("%s should be critical", typ))
	}
	for _, typ := range []string{TypeAssistantMessageDelta, TypeSystemStatus, TypeBudgetUpdate, TypePong} {
		assert.False(t, critical(typ), fmt.Sprintf("%s should not be critical", typ))
	}
}
