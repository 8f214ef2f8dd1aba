package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mrganther/Reef-Project-WebApp/core/logger"
	"github.com/mrganther/Reef-Project-WebApp/iot"
	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 32
)

// Hub upgrades dashboard connections and bridges them to the relay. Each
// accepted connection is registered as a relay listener and removed again
// when it goes away.
type Hub struct {
	relay    iot.MessageBroadcaster
	devices  *ttn.Registry
	upgrader websocket.Upgrader
}

// Builder is a builder helper for the Hub
type Builder struct {
	// Relay is the uplink broadcaster. This is mandatory.
	Relay iot.MessageBroadcaster
	// Devices is the configured device registry. This is mandatory.
	Devices *ttn.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewHub returns a new hub and adds the /ws route to the passed router.
func NewHub(bb *Builder) *Hub {
	if bb.Relay == nil {
		panic("Relay is missing")
	}
	if bb.Devices == nil {
		panic("Devices is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	h := &Hub{
		relay:   bb.Relay,
		devices: bb.Devices,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the dashboard is served from a different origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	logger.Default().Infoln("websocket: handle route /ws GET")
	bb.Router.HandleFunc("/ws", h.serveWS).Methods(http.MethodGet)
	return h
}

// statusFrame is the connection acknowledgement sent immediately after the
// upgrade. It carries the binary connected/disconnected state of the
// upstream session; no other errors are ever reported to the browser.
type statusFrame struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// messageFrame is the envelope for one relayed uplink. Payload is the
// verbatim uplink JSON as received from upstream.
type messageFrame struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	DeviceType ttn.Kind        `json:"deviceType,omitempty"`
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.Warnln("websocket: upgrade failed:", err)
		return
	}

	c := &connection{
		id:   uuid.New(),
		hub:  h,
		conn: conn,
		send: make(chan messageFrame, sendQueueSize),
		done: make(chan struct{}),
	}

	connected, _ := h.relay.State()
	if err := c.writeFrame(statusFrame{Type: "status", Connected: connected}); err != nil {
		rlog.Warnln("websocket: status write failed:", err)
		conn.Close()
		return
	}

	h.relay.Register(c)
	rlog.Debugln("websocket: dashboard connected:", c.id)

	go c.writePump()
	go c.readPump()
}

// connection is one open dashboard client.
type connection struct {
	id   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan messageFrame

	closeOnce sync.Once
	done      chan struct{}
}

// Deliver queues one uplink for this connection. A full queue means the
// client cannot keep up; the connection is torn down so that fan-out to the
// other listeners is never delayed.
func (c *connection) Deliver(msg ttn.Message) error {
	frame := messageFrame{
		Type:       "message",
		Topic:      msg.Topic,
		Payload:    msg.Raw,
		DeviceType: c.hub.devices.Kind(msg.DeviceID),
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s is closed", c.id)
	default:
		c.close()
		return fmt.Errorf("connection %s is too slow, dropping it", c.id)
	}
}

// close tears the connection down: it is removed from the relay right away
// and the underlying socket is closed, which also aborts a write blocked on
// a stalled client.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.relay.Remove(c)
		c.conn.Close()
		logger.Default().Debugln("websocket: dashboard disconnected:", c.id)
	})
}

func (c *connection) writeFrame(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) writePump() {
	defer c.close()
	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				logger.Default().Debugln("websocket: write failed:", c.id, err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// the dashboard never sends application data; reads only detect close
func (c *connection) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}
