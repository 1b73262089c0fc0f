// Package capability defines what the daemon does with the bytes an
// authenticated client sends.  Each Capability encapsulates a single
// behaviour and talks back through a Replier rather than a raw
// connection, which keeps capabilities testable and decoupled from
// transport details.
package capability

import "context"

// Replier sends bytes back to the authenticated client.
type Replier interface {
	Reply(p []byte) error
}

// Capability handles the traffic of the authenticated client.  Handle
// runs on the event loop and must not block on anything but the
// Replier.
type Capability interface {
	// Name identifies the capability in logs.
	Name() string
	// Handle processes one chunk received from the client.  An error
	// ends the client's session.
	Handle(ctx context.Context, req []byte, r Replier) error
	// Reset drops per-client state once the authenticated session
	// ends.
	Reset()
}
