package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/katiba-labs/katiba/pkg/events"
)

type fakeStream struct {
	events     []*events.Event
	dispatched map[string]bool
	markErr    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{dispatched: make(map[string]bool)}
}

func (f *fakeStream) append(id string, billID, seq int64, eventType string) {
	f.events = append(f.events, &events.Event{
		ID: id, Type: eventType, BillID: billID, Sequence: seq, Timestamp: time.Now(),
	})
}

func (f *fakeStream) ListUndispatched(_ context.Context, limit int) ([]*events.Event, error) {
	var out []*events.Event
	for _, e := range f.events {
		if !f.dispatched[e.ID] {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStream) ListAfter(_ context.Context, billID, afterSeq int64, limit int) ([]*events.Event, error) {
	var out []*events.Event
	for _, e := range f.events {
		if e.BillID == billID && e.Sequence > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStream) MarkDispatched(_ context.Context, eventIDs []string) error {
	if f.markErr != nil {
		return f.markErr
	}
	for _, id := range eventIDs {
		f.dispatched[id] = true
	}
	return nil
}

// fakeBroadcaster records envelopes and can fail a chosen bill's stream.
type fakeBroadcaster struct {
	sent     map[int64][]*events.Envelope
	failBill int64
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{sent: make(map[int64][]*events.Envelope)}
}

func (f *fakeBroadcaster) Broadcast(billID int64, envelope *events.Envelope) error {
	if billID == f.failBill {
		return errors.New("subscriber write failed")
	}
	f.sent[billID] = append(f.sent[billID], envelope)
	return nil
}

type fakeClient struct {
	sent    []*events.Envelope
	sendErr error
}

func (f *fakeClient) Send(envelope *events.Envelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, envelope)
	return nil
}

func (f *fakeClient) Close() error { return nil }

func sequences(t *testing.T, envelopes []*events.Envelope) []int64 {
	t.Helper()
	var out []int64
	for _, env := range envelopes {
		var event events.Event
		require.NoError(t, json.Unmarshal(env.Payload, &event))
		out = append(out, event.Sequence)
	}
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeStream, *fakeBroadcaster) {
	t.Helper()
	stream := newFakeStream()
	broadcaster := newFakeBroadcaster()
	return NewDispatcher(zaptest.NewLogger(t), stream, broadcaster, time.Millisecond), stream, broadcaster
}

func TestDispatchPendingDeliversInOrder(t *testing.T) {
	d, stream, broadcaster := newTestDispatcher(t)
	stream.append("e1", 1, 1, "bill.created")
	stream.append("e2", 2, 1, "bill.created")
	stream.append("e3", 1, 2, "engagement.submitted")

	require.NoError(t, d.DispatchPending(context.Background()))

	assert.Equal(t, []int64{1, 2}, sequences(t, broadcaster.sent[1]))
	assert.Equal(t, []int64{1}, sequences(t, broadcaster.sent[2]))
	assert.True(t, stream.dispatched["e1"])
	assert.True(t, stream.dispatched["e2"])
	assert.True(t, stream.dispatched["e3"])

	env := broadcaster.sent[1][0]
	assert.Equal(t, events.KindEvent, env.Kind)
	assert.Equal(t, events.DirectionServer, env.Direction)
	assert.Equal(t, "e1", env.CorrelationID)
}

func TestDispatchPendingStallsFailedBillOnly(t *testing.T) {
	d, stream, broadcaster := newTestDispatcher(t)
	broadcaster.failBill = 1
	stream.append("e1", 1, 1, "bill.created")
	stream.append("e2", 1, 2, "engagement.submitted")
	stream.append("e3", 2, 1, "bill.created")

	require.NoError(t, d.DispatchPending(context.Background()))

	// Bill 1's stream stalls at the first failure so seq 2 cannot overtake
	// seq 1; bill 2 is unaffected.
	assert.Empty(t, broadcaster.sent[1])
	assert.Equal(t, []int64{1}, sequences(t, broadcaster.sent[2]))
	assert.False(t, stream.dispatched["e1"])
	assert.False(t, stream.dispatched["e2"])
	assert.True(t, stream.dispatched["e3"])

	// Once the subscriber recovers, the stalled events go out in order.
	broadcaster.failBill = 0
	require.NoError(t, d.DispatchPending(context.Background()))
	assert.Equal(t, []int64{1, 2}, sequences(t, broadcaster.sent[1]))
}

func TestDispatchPendingRedeliversWhenMarkFails(t *testing.T) {
	d, stream, broadcaster := newTestDispatcher(t)
	stream.append("e1", 1, 1, "bill.created")
	stream.markErr = errors.New("db down")

	require.Error(t, d.DispatchPending(context.Background()))
	require.Len(t, broadcaster.sent[1], 1)

	// The flag write failed, so the next pass delivers the event again.
	stream.markErr = nil
	require.NoError(t, d.DispatchPending(context.Background()))
	assert.Len(t, broadcaster.sent[1], 2)
	assert.True(t, stream.dispatched["e1"])
}

func TestReplayStreamsFromSequence(t *testing.T) {
	d, stream, _ := newTestDispatcher(t)
	stream.append("e1", 1, 1, "bill.created")
	stream.append("e2", 1, 2, "engagement.submitted")
	stream.append("e3", 1, 3, "review.decided")
	stream.append("e4", 2, 1, "bill.created")

	client := &fakeClient{}
	require.NoError(t, d.Replay(context.Background(), 1, 1, "corr-7", client))

	// Events after seq 1 for bill 1, then the completion marker.
	require.Len(t, client.sent, 3)
	assert.Equal(t, []int64{2, 3}, sequences(t, client.sent[:2]))
	last := client.sent[2]
	assert.Equal(t, events.KindReplayComplete, last.Kind)
	assert.Equal(t, "corr-7", last.CorrelationID)
}

func TestReplayPropagatesSendFailure(t *testing.T) {
	d, stream, _ := newTestDispatcher(t)
	stream.append("e1", 1, 1, "bill.created")

	client := &fakeClient{sendErr: errors.New("gone")}
	assert.Error(t, d.Replay(context.Background(), 1, 0, "corr-1", client))
}
