package service

import "net"

// Config configures how an adapter server accepts its clients.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener
	// AcceptMulti configures the server to serve one client after another
	// instead of stopping after the first.
	AcceptMulti bool
	// CheckLocalConnUser is true if the server should check that
	// connections on a loopback address come from the same user that
	// started the adapter.
	CheckLocalConnUser bool

	// DisconnectChan will be closed by the server when it stops serving,
	// that is when its only client disconnects or when Stop is called.
	DisconnectChan chan<- struct{}
}
