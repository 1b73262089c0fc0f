package capability

import (
	"context"
	"fmt"

	"asdd/util"
)

// Echo sends every request back unchanged.  It is the loopback
// diagnostic a probe runs to check the link before driving hardware.
type Echo struct {
	logger *util.Logger
	served int64 // bytes echoed to the current client
}

// NewEcho returns an Echo capability logging through logger.
func NewEcho(logger *util.Logger) *Echo {
	return &Echo{logger: logger.With(util.StreamDaemon)}
}

func (e *Echo) Name() string { return "echo" }

// Handle replies with req.
func (e *Echo) Handle(ctx context.Context, req []byte, r Replier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(req) == 0 {
		return nil
	}
	if err := r.Reply(req); err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	e.served += int64(len(req))
	return nil
}

// Served returns the number of bytes echoed since the last Reset.
func (e *Echo) Served() int64 { return e.served }

func (e *Echo) Reset() {
	if e.served > 0 {
		e.logger.Verbose("echo: %d bytes served", e.served)
	}
	e.served = 0
}
