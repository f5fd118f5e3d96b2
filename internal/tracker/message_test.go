package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

func TestMessageAccumulatesDeltas(t *testing.T) {
	tr := NewMessageTracker()
	id := tr.Start(domain.MessageRoleAssistant, "run_1")

	require.NoError(t, tr.AppendDelta(id, "Hello"))
	require.NoError(t, tr.AppendDelta(id, " world"))
	changed, err := tr.End(id)
	require.NoError(t, err)
	assert.True(t, changed)

	msg, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Hello world", msg.AccumulatedText)
	assert.Equal(t, domain.MessageStatusComplete, msg.Status)
	assert.Equal(t, "run_1", msg.RunID)
}

func TestMessageEndIsIdempotent(t *testing.T) {
	tr := NewMessageTracker()
	id := tr.Start(domain.MessageRoleAssistant, "")
	require.NoError(t, tr.AppendDelta(id, "done"))

	_, err := tr.End(id)
	require.NoError(t, err)
	before, _ := tr.Get(id)

	changed, err := tr.End(id)
	require.NoError(t, err)
	assert.False(t, changed)
	after, _ := tr.Get(id)
	assert.Equal(t, before, after)
}

func TestMessageAppendAfterEnd(t *testing.T) {
	tr := NewMessageTracker()
	id := tr.Start(domain.MessageRoleAssistant, "")
	_, err := tr.End(id)
	require.NoError(t, err)

	err = tr.AppendDelta(id, "late")
	assert.ErrorIs(t, err, domain.ErrMessageClosed)
	msg, _ := tr.Get(id)
	assert.Empty(t, msg.AccumulatedText)
}

func TestMessageUnknownID(t *testing.T) {
	tr := NewMessageTracker()
	assert.ErrorIs(t, tr.AppendDelta("msg_nope", "x"), domain.ErrUnknownMessage)
	_, err := tr.End("msg_nope")
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
}

func TestConcurrentStreamingMessages(t *testing.T) {
	tr := NewMessageTracker()
	narration := tr.Start(domain.MessageRoleAssistant, "r")
	status := tr.Start(domain.MessageRoleAssistant, "r")

	require.NoError(t, tr.AppendDelta(narration, "Looking "))
	require.NoError(t, tr.AppendDelta(status, "[working]"))
	require.NoError(t, tr.AppendDelta(narration, "it up"))
	assert.Equal(t, []string{narration, status}, tr.Streaming())

	_, err := tr.End(status)
	require.NoError(t, err)
	assert.Equal(t, []string{narration}, tr.Streaming())

	msgs := tr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Looking it up", msgs[0].AccumulatedText)
	assert.Equal(t, "[working]", msgs[1].AccumulatedText)
	assert.Equal(t, 2, tr.Len())
}
