package lock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/acme/coupon-issuance/pkg/clock"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

// ZookeeperManager implements Manager with ephemeral sequential nodes. The
// lowest sequence under a key's directory holds the lock. The lease is the
// session timeout: a crashed holder's node disappears with its session, so
// the lease argument of Acquire and Renew only sets the handle's expiry.
type ZookeeperManager struct {
	conn           *zk.Conn
	root           string
	sessionTimeout time.Duration
	clock          clock.Clock
}

// NewZookeeperManager constructs a zookeeper backed lock manager rooted at root.
func NewZookeeperManager(conn *zk.Conn, root string, sessionTimeout time.Duration, clk clock.Clock) *ZookeeperManager {
	if clk == nil {
		clk = clock.Real{}
	}
	if root == "" {
		root = "/coupon/locks"
	}
	return &ZookeeperManager{conn: conn, root: root, sessionTimeout: sessionTimeout, clock: clk}
}

// Acquire enqueues a node for key and waits for every predecessor to go away.
func (m *ZookeeperManager) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Handle, error) {
	dir := path.Join(m.root, strings.ReplaceAll(key, "/", "_"))
	if err := m.ensurePath(dir); err != nil {
		return nil, err
	}

	node, err := m.conn.CreateProtectedEphemeralSequential(dir+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("lock acquire %s: create node: %w: %w", key, apperrors.ErrUnavailable, err)
	}
	seq, err := sequenceOf(path.Base(node))
	if err != nil {
		m.abandon(node)
		return nil, fmt.Errorf("lock acquire %s: %w", key, err)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		children, _, err := m.conn.Children(dir)
		if err != nil {
			m.abandon(node)
			return nil, fmt.Errorf("lock acquire %s: list: %w: %w", key, apperrors.ErrUnavailable, err)
		}

		predecessor, err := predecessorOf(children, seq)
		if err != nil {
			m.abandon(node)
			return nil, fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if predecessor == "" {
			lease = m.effectiveLease(lease)
			return &Handle{Key: key, Holder: node, Fence: seq, ExpiresAt: m.clock.Now().Add(lease)}, nil
		}

		exists, _, events, err := m.conn.ExistsW(dir + "/" + predecessor)
		if err != nil {
			m.abandon(node)
			return nil, fmt.Errorf("lock acquire %s: watch: %w: %w", key, apperrors.ErrUnavailable, err)
		}
		if !exists {
			continue
		}

		select {
		case <-events:
		case <-timer.C:
			m.abandon(node)
			return nil, fmt.Errorf("lock acquire %s: %w", key, apperrors.ErrLockTimeout)
		case <-ctx.Done():
			m.abandon(node)
			return nil, fmt.Errorf("lock acquire %s: %w: %w", key, apperrors.ErrLockTimeout, ctx.Err())
		}
	}
}

// Release deletes the holder's node.
func (m *ZookeeperManager) Release(ctx context.Context, h *Handle) error {
	err := m.conn.Delete(h.Holder, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("lock release %s: %w", h.Key, ErrNotHeld)
	}
	if err != nil {
		return fmt.Errorf("lock release %s: %w: %w", h.Key, apperrors.ErrUnavailable, err)
	}
	return nil
}

// Renew confirms the node still exists and pushes the handle's expiry forward.
func (m *ZookeeperManager) Renew(ctx context.Context, h *Handle, lease time.Duration) error {
	exists, _, err := m.conn.Exists(h.Holder)
	if err != nil {
		return fmt.Errorf("lock renew %s: %w: %w", h.Key, apperrors.ErrUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("lock renew %s: %w", h.Key, ErrNotHeld)
	}
	h.ExpiresAt = m.clock.Now().Add(m.effectiveLease(lease))
	return nil
}

func (m *ZookeeperManager) effectiveLease(lease time.Duration) time.Duration {
	if m.sessionTimeout > 0 && (lease <= 0 || lease > m.sessionTimeout) {
		return m.sessionTimeout
	}
	return lease
}

func (m *ZookeeperManager) ensurePath(dir string) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current += "/" + part
		_, err := m.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("lock: create %s: %w: %w", current, apperrors.ErrUnavailable, err)
		}
	}
	return nil
}

func (m *ZookeeperManager) abandon(node string) {
	_ = m.conn.Delete(node, -1)
}

// sequenceOf extracts the sequence suffix zookeeper appends to a node name.
func sequenceOf(name string) (int64, error) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx == len(name)-1 {
		return 0, fmt.Errorf("malformed lock node %q", name)
	}
	seq, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed lock node %q: %w", name, err)
	}
	return seq, nil
}

// predecessorOf returns the child immediately ahead of seq, or "" when seq is the lowest.
func predecessorOf(children []string, seq int64) (string, error) {
	type entry struct {
		name string
		seq  int64
	}
	entries := make([]entry, 0, len(children))
	for _, child := range children {
		s, err := sequenceOf(child)
		if err != nil {
			continue
		}
		entries = append(entries, entry{name: child, seq: s})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	for i, e := range entries {
		if e.seq != seq {
			continue
		}
		if i == 0 {
			return "", nil
		}
		return entries[i-1].name, nil
	}
	return "", fmt.Errorf("lock node with sequence %d vanished", seq)
}
