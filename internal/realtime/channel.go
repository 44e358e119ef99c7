// Package realtime models the duplex event stream between the session and
// the server as a capability interface. Consumers receive a Channel by
// injection; when no socket is available they get the no-op implementation
// instead of checking for nil.
package realtime

import "errors"

// ErrNotConnected is returned by Send when the channel is down. Presence
// features treat this as a silent degrade, never as a retry trigger.
var ErrNotConnected = errors.New("realtime channel not connected")

// Channel is the outbound half of the realtime event stream. Inbound
// events are published on the session bus under the "channel." namespace.
type Channel interface {
	// Send transmits an event. Best-effort: events are not queued or
	// retried when the channel is down.
	Send(evt Event) error
	// Connected reports whether the channel is currently usable.
	Connected() bool
}

// Noop is the Channel used when no realtime endpoint is configured.
// Messaging continues over the request path; presence features degrade
// silently.
type Noop struct{}

// Send implements Channel.
func (Noop) Send(Event) error { return ErrNotConnected }

// Connected implements Channel.
func (Noop) Connected() bool { return false }
