/*Package iot provides the reef monitoring relay functionality

It contains a relay connector which maintains the MQTT session to The Things
Network and fans received uplinks out to registered listeners, a snapshot
fetcher for the TTN storage integration, a RESTful api for on-demand lookups
and a websocket surface for the live dashboard.

The relay itself only knows the Listener interface. The websocket surface
satisfies this interface, hence relay and dashboard connections work together
well; so does any other in-process consumer of uplinks.
*/
package iot
