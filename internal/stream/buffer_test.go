package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

func ev(seq int64) *domain.Event {
	return &domain.Event{SessionID: "s1", Seq: seq, Type: domain.EventTypeStateDelta}
}

func seqs(events []*domain.Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Seq)
	}
	return out
}

func TestReplayBufferAfter(t *testing.T) {
	buf := NewReplayBuffer(10)
	for i := int64(1); i <= 5; i++ {
		buf.Append(ev(i))
	}

	tests := []struct {
		name     string
		lastSeen int64
		want     []int64
		ok       bool
	}{
		{"nothing seen", 0, nil, false},
		{"from first", 1, []int64{2, 3, 4, 5}, true},
		{"middle", 3, []int64{4, 5}, true},
		{"up to date", 5, []int64{}, true},
		{"ahead of server", 9, nil, false},
		{"negative", -1, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := buf.After(tt.lastSeen)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, seqs(got))
			}
		})
	}
}

func TestReplayBufferEviction(t *testing.T) {
	buf := NewReplayBuffer(3)
	for i := int64(1); i <= 7; i++ {
		buf.Append(ev(i))
	}

	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, int64(5), buf.OldestSeq())
	assert.Equal(t, int64(7), buf.LastSeq())
	assert.Equal(t, int64(4), buf.Dropped())

	got, ok := buf.After(4)
	require.True(t, ok)
	assert.Equal(t, []int64{5, 6, 7}, seqs(got))

	_, ok = buf.After(3)
	assert.False(t, ok, "seq 4 was evicted, replay would be partial")
}

func TestReplayBufferGapResets(t *testing.T) {
	buf := NewReplayBuffer(5)
	buf.Append(ev(1))
	buf.Append(ev(2))
	buf.Append(ev(10))

	assert.Equal(t, 1, buf.Len())
	_, ok := buf.After(2)
	assert.False(t, ok)
	got, ok := buf.After(9)
	require.True(t, ok)
	assert.Equal(t, []int64{10}, seqs(got))
}

func TestReplayBufferDefaultCapacity(t *testing.T) {
	buf := NewReplayBuffer(0)
	for i := int64(1); i <= DefaultReplayBufferSize+1; i++ {
		buf.Append(ev(i))
	}
	assert.Equal(t, DefaultReplayBufferSize, buf.Len())
	assert.Equal(t, int64(2), buf.OldestSeq())
}
