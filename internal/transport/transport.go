// Package transport defines the contract advBBS consumes from the radio
// layer (spec.md §4.D). The radio driver itself is out of scope for this
// module; only the interface and a loopback test harness live here.
package transport

import (
	"context"
	"time"
)

// Ack carries the outcome of an awaited unicast send.
type Ack struct {
	Delivered bool
	Detail    string
}

// InboundFunc is the callback invoked once per received frame.
type InboundFunc func(senderNode, channel, text string)

// Adapter is the transport contract consumed from the (out-of-scope)
// radio layer. Implementations MUST marshal mesh-level ACK signals,
// which may arrive on an arbitrary thread owned by the radio library,
// onto the caller's own cooperative scheduling plane before waking any
// waiting delivery — never block the radio callback thread itself. A
// prior defect did exactly that and manifested as systematic 30s phantom
// timeouts (spec.md §5).
type Adapter interface {
	// SendUnicast queues text for peerNode and returns once the radio has
	// accepted the frame for transmission.
	SendUnicast(ctx context.Context, peerNode, text string) error

	// SendUnicastAwaitAck queues text for peerNode and blocks (cooperatively)
	// until the mesh-level ack signal arrives or timeout elapses.
	SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (Ack, error)

	// Broadcast sends text on channel to every reachable node.
	Broadcast(ctx context.Context, channel, text string) error

	// SetInbound registers the callback invoked for every received frame.
	// Only one callback is active at a time; a second call replaces it.
	SetInbound(fn InboundFunc)

	// Close releases any resources the adapter holds.
	Close() error
}
