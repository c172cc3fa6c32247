package p2p

import (
	"context"
	"net"
	"time"
)

type Dialer struct {
	cfg Config
}

func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.HandshakeTimeout, KeepAlive: 15 * time.Second}
	return nd.DialContext(ctx, "tcp", addr)
}
