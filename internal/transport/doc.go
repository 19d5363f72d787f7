// Package transport carries frames between clients and a server over
// websockets.
//
// Every websocket message is one JSON ir.Frame. The server greets a new
// socket with a hello frame carrying the socket's client id, answers each
// call frame with a reply frame of the same seq, joins and leaves hub groups
// on observe and unobserve, and forwards hub notifications as notify frames.
//
// The client redials after every disconnect, re-sends its observe frames and
// reports connectivity so the queue can pause and resume.
package transport

import "time"

const (
	// writeTimeout bounds every websocket write.
	writeTimeout = 10 * time.Second
	// pingInterval is how often the server pings an idle socket.
	pingInterval = 30 * time.Second
	// sendBuffer is the per-socket outbound frame buffer.
	sendBuffer = 64
	// DefaultReconnectDelay is how long the client waits before redialing.
	DefaultReconnectDelay = 2 * time.Second
)
