package iot

import "github.com/mrganther/Reef-Project-WebApp/iot/ttn"

// Listener is an open delivery channel to one connected consumer of uplinks.
// A delivery error affects that listener only.
type Listener interface {
	Deliver(msg ttn.Message) error
}

// MessageBroadcaster is an interface to register listeners for uplink
// messages and to query the state of the upstream session.
type MessageBroadcaster interface {
	Register(l Listener)
	Remove(l Listener)
	State() (connected bool, retries int)
}
