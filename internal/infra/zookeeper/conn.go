package zookeeper

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/config"
	"github.com/acme/coupon-issuance/pkg/logger"
)

// Conn wraps a ZooKeeper connection used by the zookeeper lock backend.
type Conn struct {
	conn *zk.Conn
	done chan struct{}
}

// NewConn connects to the ensemble and waits until a session is established.
func NewConn(cfg config.ZookeeperConfig, lg *logger.Logger) (*Conn, error) {
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, events, err := zk.Connect(cfg.Servers, timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for connected := false; !connected; {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				connected = true
			}
		case <-deadline.C:
			conn.Close()
			return nil, fmt.Errorf("zookeeper: no session after %s", timeout)
		}
	}

	c := &Conn{conn: conn, done: make(chan struct{})}
	go c.watchSession(events, lg)
	return c, nil
}

func (c *Conn) watchSession(events <-chan zk.Event, lg *logger.Logger) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
				lg.Warn("zookeeper: session state changed", zap.String("state", ev.State.String()))
			}
		}
	}
}

// Raw exposes the underlying connection.
func (c *Conn) Raw() *zk.Conn {
	return c.conn
}

// Close terminates the session, which also drops every ephemeral lock node.
func (c *Conn) Close() error {
	close(c.done)
	c.conn.Close()
	return nil
}
