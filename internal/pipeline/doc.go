// Package pipeline owns the datagram path between the application and one UDP
// socket.
//
// Ownership boundary:
// - socket bind and close
//
// - outbound queue -> sender -> socket
//
// - socket -> receiver -> inbound queue
//
// Lifecycle order:
// - New -> Start -> (Enqueue | Dequeue)* -> Shutdown
//
// - Shutdown stops the receiver within one poll interval.
//
// - the sender drains what was accepted before Shutdown, then exits.
//
// Pipeline does not own message framing; see protocol/codec.
package pipeline
