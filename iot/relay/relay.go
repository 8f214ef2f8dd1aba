package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mrganther/Reef-Project-WebApp/core/logger"
	"github.com/mrganther/Reef-Project-WebApp/iot"
	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
)

const defaultReconnectDelay = 5 * time.Second

// Connector maintains one session to the TTN MQTT endpoint and fans every
// successfully parsed uplink out to all currently registered listeners.
type Connector struct {
	brokerURL      string
	username       string
	password       string
	topics         []string
	reconnectDelay time.Duration

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	listeners map[iot.Listener]struct{}
	connected bool
	retries   int
}

// Builder is a builder helper for the Connector
type Builder struct {
	// Region is the TTN cluster region, e.g. "eu1". Mandatory unless
	// BrokerURL is set.
	Region string
	// ApplicationID is the TTN application identity, used as the MQTT
	// username. This is mandatory.
	ApplicationID string
	// APIKey is the TTN API key, used as the MQTT password. This is mandatory.
	APIKey string
	// DeviceIDs restricts the subscription to the given device identities.
	// Empty subscribes to all devices of the application.
	DeviceIDs []string
	// ReconnectDelay is the fixed delay between reconnect attempts.
	// Defaults to 5 seconds.
	ReconnectDelay time.Duration
	// BrokerURL overrides the regional TTN endpoint. Used in tests.
	BrokerURL string
}

// NewConnector returns a new connector. The connector will not actually
// connect until you call Run().
func NewConnector(bb *Builder) *Connector {
	if len(bb.ApplicationID) == 0 {
		panic("ApplicationID is missing")
	}
	if len(bb.APIKey) == 0 {
		panic("APIKey is missing")
	}

	brokerURL := bb.BrokerURL
	if len(brokerURL) == 0 {
		if len(bb.Region) == 0 {
			panic("Region is missing")
		}
		brokerURL = fmt.Sprintf("ssl://%s.cloud.thethings.network:8883", bb.Region)
	}

	delay := bb.ReconnectDelay
	if delay == 0 {
		delay = defaultReconnectDelay
	}

	var topics []string
	if len(bb.DeviceIDs) == 0 {
		topics = append(topics, fmt.Sprintf("v3/%s/devices/+/up", bb.ApplicationID))
	} else {
		for _, deviceID := range bb.DeviceIDs {
			topics = append(topics, fmt.Sprintf("v3/%s/devices/%s/up", bb.ApplicationID, deviceID))
		}
	}

	return &Connector{
		brokerURL:      brokerURL,
		username:       bb.ApplicationID,
		password:       bb.APIKey,
		topics:         topics,
		reconnectDelay: delay,
		newClient:      mqtt.NewClient,
		listeners:      make(map[iot.Listener]struct{}),
	}
}

// Register adds a listener to the active set. Idempotent. The listener only
// receives uplinks broadcast after registration, there is no replay.
func (c *Connector) Register(l iot.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[l] = struct{}{}
}

// Remove removes a listener from the active set. Idempotent.
func (c *Connector) Remove(l iot.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, l)
}

// State returns whether the upstream session is currently established and
// how many reconnect attempts have been made since the last successful
// connect.
func (c *Connector) State() (connected bool, retries int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected, c.retries
}

// Run is the supervised session loop. It connects, subscribes and blocks
// until the session drops or ctx is cancelled. On session loss it waits the
// fixed reconnect delay and tries again, indefinitely. Authentication
// failures, DNS failures and transient network drops all take the same
// retry path.
func (c *Connector) Run(ctx context.Context) error {
	rlog := logger.Default()
	for {
		lost := make(chan error, 1)
		client, err := c.connect(lost)
		if err == nil {
			c.markConnected()
			rlog.Infoln("relay: connected to", c.brokerURL)
			select {
			case err = <-lost:
				rlog.Warnln("relay: session lost:", err)
			case <-ctx.Done():
				client.Disconnect(250)
				c.markDisconnected()
				return ctx.Err()
			}
		} else {
			rlog.Warnln("relay: connect failed:", err)
		}
		c.markDisconnected()
		select {
		case <-time.After(c.reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connector) connect(lost chan<- error) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID("reef-relay-" + uuid.NewString()[:8]).
		SetUsername(c.username).
		SetPassword(c.password).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(false). // reconnects are scheduled by Run
		SetConnectTimeout(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := c.newClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	for _, topic := range c.topics {
		sub := client.Subscribe(topic, 1, c.handleMessage)
		if sub.Wait() && sub.Error() != nil {
			client.Disconnect(250)
			return nil, fmt.Errorf("subscribe %s: %w", topic, sub.Error())
		}
		logger.Default().Infoln("relay: subscribed to", topic)
	}
	return client, nil
}

// handleMessage parses one inbound uplink and broadcasts it. A parse
// failure is fatal to that message only; the session stays up.
func (c *Connector) handleMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := ttn.ParseUplink(m.Payload())
	if err != nil {
		logger.Default().Warnln("relay: dropping malformed uplink on", m.Topic(), ":", err)
		return
	}
	msg.Topic = m.Topic()
	c.Broadcast(msg)
}

// Broadcast delivers msg to every listener registered at broadcast time.
// Delivery is only attempted while the upstream session is established.
// A failing or panicking listener is skipped; it never blocks or breaks
// delivery to the others.
func (c *Connector) Broadcast(msg ttn.Message) {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return
	}
	snapshot := make([]iot.Listener, 0, len(c.listeners))
	for l := range c.listeners {
		snapshot = append(snapshot, l)
	}
	c.mu.RUnlock()

	for _, l := range snapshot {
		if err := deliverWithPanicEnvelope(l, msg); err != nil {
			logger.Default().Debugln("relay: listener delivery failed:", err)
		}
	}
}

func deliverWithPanicEnvelope(l iot.Listener, msg ttn.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	err = l.Deliver(msg)
	return
}

func (c *Connector) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.retries = 0
}

func (c *Connector) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.retries++
}
