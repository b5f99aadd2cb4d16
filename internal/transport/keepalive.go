package transport

import (
	"net"
	"time"

	"github.com/gobwas/ws"
)

// keepalive sends a protocol-level ping frame every PingInterval until stop
// or done is closed. A failed ping closes the socket, which ends the read
// loop and surfaces the error through OnError.
func (c *Conn) keepalive(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, ws.OpPing, nil); err != nil {
				c.logger.Warn("[transport] keepalive ping failed", "scope", c.cfg.Scope, "err", err)
				conn.Close()
				return
			}
		}
	}
}
