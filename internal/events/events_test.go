package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProducer struct {
	topic string
	body  []byte
	err   error
}

func (s *stubProducer) Publish(topic string, body []byte) error {
	s.topic, s.body = topic, body
	return s.err
}

func TestNSQPublisher_PublishesJSON(t *testing.T) {
	sp := &stubProducer{}
	p := NewNSQPublisher(sp, "outreach.events", nil)

	err := p.Publish(context.Background(), Event{Type: TypeContactTransition, RunID: "r1", ContactID: "c1", State: "CONFIRMED"})
	require.NoError(t, err)
	assert.Equal(t, "outreach.events", sp.topic)

	var got Event
	require.NoError(t, json.Unmarshal(sp.body, &got))
	assert.Equal(t, TypeContactTransition, got.Type)
	assert.Equal(t, "CONFIRMED", got.State)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.At.IsZero())
}

func TestNSQPublisher_ReturnsProducerError(t *testing.T) {
	sp := &stubProducer{err: errors.New("nsqd down")}
	p := NewNSQPublisher(sp, "t", nil)
	assert.Error(t, p.Publish(context.Background(), Event{Type: TypeRunStarted}))
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	r := NewRecorder(1)
	_ = r.Publish(context.Background(), Event{Type: TypeRunStarted})
	_ = r.Publish(context.Background(), Event{Type: TypeRunCompleted})
	got := r.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, TypeRunStarted, got[0].Type)
	assert.Empty(t, r.Drain())
}
