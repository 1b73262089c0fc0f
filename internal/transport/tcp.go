package transport

import (
	"fmt"
	"time"

	"asdd/internal/errors"
	"asdd/util"
)

// tcpHandler passes bytes straight through the accepted socket.
type tcpHandler struct {
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *util.Logger
}

func newTCPHandler(cfg Config, logger *util.Logger) *tcpHandler {
	return &tcpHandler{
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With(util.StreamNetwork),
	}
}

func (h *tcpHandler) Init() error {
	h.logger.Warn("plaintext transport enabled; traffic is not encrypted")
	return nil
}

func (h *tcpHandler) OnAccept(_ *Transport, c *Conn) error {
	if c.FD < 0 || c.raw == nil {
		return fmt.Errorf("accept fd %d: %w", c.FD, errors.ErrInvalidArgument)
	}
	return nil
}

func (h *tcpHandler) InitClient(c *Conn) error { return nil }

func (h *tcpHandler) OnCloseClient(c *Conn) error { return nil }

func (h *tcpHandler) Recv(c *Conn, p []byte) (int, bool, error) {
	if c.raw == nil {
		return -1, false, errors.ErrConnClosed
	}
	c.raw.SetReadDeadline(time.Now().Add(h.readTimeout)) //nolint:errcheck
	n, err := c.raw.Read(p)
	if n > 0 {
		return n, false, nil
	}
	rerr, loggable := classifyRead(c.RemoteAddr(), err)
	if loggable {
		h.logger.Error("recv %s: %v", c, err)
	}
	return -1, false, rerr
}

func (h *tcpHandler) Send(c *Conn, p []byte) (int, error) {
	if c.raw == nil {
		return -1, errors.ErrConnClosed
	}
	c.raw.SetWriteDeadline(time.Now().Add(h.writeTimeout)) //nolint:errcheck
	n, err := c.raw.Write(p)
	if err != nil {
		h.logger.Error("send %s: %v", c, err)
		return -1, errors.Wrap("write", c.RemoteAddr(), err)
	}
	return n, nil
}

func (h *tcpHandler) Cleanup() {}
