package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "jurishealth.events"}

	e := New(CaseAwarded, "case-1", map[string]any{"bid_id": "bid-9", "amount": 12000})
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "case-1", string(msg.Key))
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, CaseAwarded, string(msg.Headers[0].Value))

	var got struct {
		ID      string         `json:"id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, CaseAwarded, got.Type)
	assert.Equal(t, "bid-9", got.Payload["bid_id"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	err := p.Publish(context.Background(), New(RunClosed, "run-1", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestEmit_SwallowsErrors(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	assert.NotPanics(t, func() {
		Emit(context.Background(), p, New(BidSubmitted, "case-1", nil))
		Emit(context.Background(), nil, New(BidSubmitted, "case-1", nil))
	})
}

func TestFromConfig(t *testing.T) {
	_, ok := FromConfig(config.EventsConfig{}).(Nop)
	assert.True(t, ok)

	p := FromConfig(config.EventsConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	kp, ok := p.(*KafkaPublisher)
	require.True(t, ok)
	assert.Equal(t, "t", kp.topic)
	require.NoError(t, kp.Close())
}
