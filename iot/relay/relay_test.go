package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
)

// recordingListener collects delivered messages and can be told to fail or
// panic instead.
type recordingListener struct {
	mu       sync.Mutex
	messages []ttn.Message
	fail     bool
	panics   bool
}

func (l *recordingListener) Deliver(msg ttn.Message) error {
	if l.panics {
		panic("listener gone")
	}
	if l.fail {
		return errors.New("channel closed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
	return nil
}

func (l *recordingListener) received() []ttn.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ttn.Message{}, l.messages...)
}

func newTestConnector() *Connector {
	return NewConnector(&Builder{
		Region:        "eu1",
		ApplicationID: "reef-app",
		APIKey:        "secret",
	})
}

func testMessage(deviceID string) ttn.Message {
	return ttn.Message{
		DeviceID: deviceID,
		Topic:    "v3/reef-app/devices/" + deviceID + "/up",
		Payload:  map[string]float64{"Temp": 21.5},
		Raw:      []byte(`{"end_device_ids":{"device_id":"` + deviceID + `"}}`),
	}
}

func TestBroadcastDeliversToAllListeners(t *testing.T) {
	c := newTestConnector()
	c.markConnected()
	first := &recordingListener{}
	second := &recordingListener{}
	c.Register(first)
	c.Register(second)

	msg := testMessage("buoy-1")
	c.Broadcast(msg)

	assert.Equal(t, 1, len(first.received()))
	assert.Equal(t, 1, len(second.received()))
	assert.Equal(t, msg.Raw, first.received()[0].Raw)
}

func TestNoReplayForLateListeners(t *testing.T) {
	c := newTestConnector()
	c.markConnected()
	early := &recordingListener{}
	c.Register(early)
	c.Broadcast(testMessage("buoy-1"))

	late := &recordingListener{}
	c.Register(late)
	c.Broadcast(testMessage("buoy-1"))

	assert.Equal(t, 2, len(early.received()))
	assert.Equal(t, 1, len(late.received()))
}

func TestFailingListenerDoesNotBreakFanOut(t *testing.T) {
	c := newTestConnector()
	c.markConnected()
	failing := &recordingListener{fail: true}
	panicking := &recordingListener{panics: true}
	healthy := &recordingListener{}
	c.Register(failing)
	c.Register(panicking)
	c.Register(healthy)

	c.Broadcast(testMessage("buoy-1"))

	assert.Equal(t, 1, len(healthy.received()))
}

func TestRegisterAndRemoveAreIdempotent(t *testing.T) {
	c := newTestConnector()
	c.markConnected()
	l := &recordingListener{}
	c.Register(l)
	c.Register(l)
	c.Broadcast(testMessage("buoy-1"))
	assert.Equal(t, 1, len(l.received()))

	c.Remove(l)
	c.Remove(l)
	c.Broadcast(testMessage("buoy-1"))
	assert.Equal(t, 1, len(l.received()))
}

func TestBroadcastOnlyWhenSessionEstablished(t *testing.T) {
	c := newTestConnector()
	l := &recordingListener{}
	c.Register(l)

	c.Broadcast(testMessage("buoy-1"))
	assert.Equal(t, 0, len(l.received()))

	c.markConnected()
	c.Broadcast(testMessage("buoy-1"))
	assert.Equal(t, 1, len(l.received()))

	c.markDisconnected()
	c.Broadcast(testMessage("buoy-1"))
	assert.Equal(t, 1, len(l.received()))
}

// fakeInbound satisfies the paho message interface for handler tests.
type fakeInbound struct {
	topic   string
	payload []byte
}

func (m *fakeInbound) Duplicate() bool   { return false }
func (m *fakeInbound) Qos() byte         { return 1 }
func (m *fakeInbound) Retained() bool    { return false }
func (m *fakeInbound) Topic() string     { return m.topic }
func (m *fakeInbound) MessageID() uint16 { return 0 }
func (m *fakeInbound) Payload() []byte   { return m.payload }
func (m *fakeInbound) Ack()              {}

func TestMalformedUplinkIsDropped(t *testing.T) {
	c := newTestConnector()
	c.markConnected()
	l := &recordingListener{}
	c.Register(l)

	c.handleMessage(nil, &fakeInbound{
		topic:   "v3/reef-app/devices/buoy-1/up",
		payload: []byte("not json"),
	})

	assert.Equal(t, 0, len(l.received()))
	connected, _ := c.State()
	assert.True(t, connected)
}

func TestHandleMessageBroadcastsParsedUplink(t *testing.T) {
	c := newTestConnector()
	c.markConnected()
	l := &recordingListener{}
	c.Register(l)

	raw := `{"end_device_ids":{"device_id":"buoy-1"},"received_at":"2024-01-01T00:00:00Z","uplink_message":{"decoded_payload":{"Temp":21.5}}}`
	c.handleMessage(nil, &fakeInbound{
		topic:   "v3/reef-app/devices/buoy-1/up",
		payload: []byte(raw),
	})

	received := l.received()
	if len(received) != 1 {
		t.Fatal("expected exactly one delivery, got", len(received))
	}
	assert.Equal(t, "buoy-1", received[0].DeviceID)
	assert.Equal(t, "v3/reef-app/devices/buoy-1/up", received[0].Topic)
	assert.Equal(t, raw, string(received[0].Raw))
}

func TestStateTransitions(t *testing.T) {
	c := newTestConnector()

	connected, retries := c.State()
	assert.False(t, connected)
	assert.Equal(t, 0, retries)

	c.markDisconnected()
	c.markDisconnected()
	_, retries = c.State()
	assert.Equal(t, 2, retries)

	c.markConnected()
	connected, retries = c.State()
	assert.True(t, connected)
	assert.Equal(t, 0, retries)
}

func TestSubscriptionTopics(t *testing.T) {
	wildcard := newTestConnector()
	assert.Equal(t, []string{"v3/reef-app/devices/+/up"}, wildcard.topics)

	scoped := NewConnector(&Builder{
		Region:        "eu1",
		ApplicationID: "reef-app",
		APIKey:        "secret",
		DeviceIDs:     []string{"buoy-1", "ws-1"},
	})
	assert.Equal(t, []string{
		"v3/reef-app/devices/buoy-1/up",
		"v3/reef-app/devices/ws-1/up",
	}, scoped.topics)
}

func TestRunRetriesWithFixedDelay(t *testing.T) {
	c := NewConnector(&Builder{
		ApplicationID:  "reef-app",
		APIKey:         "secret",
		BrokerURL:      "tcp://127.0.0.1:1", // nothing listens here
		ReconnectDelay: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	connected, retries := c.State()
	assert.False(t, connected)
	assert.GreaterOrEqual(t, retries, 2)
}
