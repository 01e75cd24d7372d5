package zookeeper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const lockRoot = "/bazaar/locks"

// Conn wraps a zk connection so callers do not import the driver directly.
type Conn struct {
	*zk.Conn
}

// Connect dials the ensemble with a session timeout.
func Connect(addrs []string, sessionTimeout time.Duration) (*Conn, error) {
	conn, _, err := zk.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}
	return &Conn{Conn: conn}, nil
}

// Lock is an ephemeral-sequential distributed lock. The inventory reaper
// takes it around the global expiry sweep so one instance sweeps at a time;
// holding it is an optimization, never a correctness requirement, because
// expiry transitions are guarded by reservation status.
type Lock struct {
	conn     *Conn
	path     string
	lockNode string
	waitMax  time.Duration
}

// NewLock creates a lock for the named resource, ensuring parent nodes exist.
func NewLock(conn *Conn, resource string) (*Lock, error) {
	path := lockRoot + "/" + resource
	for _, node := range parents(path) {
		_, err := conn.Create(node, []byte{}, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return nil, fmt.Errorf("create lock node %s: %w", node, err)
		}
	}
	return &Lock{conn: conn, path: path, waitMax: 30 * time.Second}, nil
}

func parents(path string) []string {
	var nodes []string
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, seg := range segments {
		cur += "/" + seg
		nodes = append(nodes, cur)
	}
	return nodes
}

// TryAcquire attempts to take the lock without waiting. It returns false when
// another holder exists.
func (l *Lock) TryAcquire() (bool, error) {
	node, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
	if err != nil {
		return false, fmt.Errorf("create sequential node: %w", err)
	}
	l.lockNode = node

	lowest, err := l.isLowest()
	if err != nil {
		l.Release()
		return false, err
	}
	if !lowest {
		l.Release()
		return false, nil
	}
	return true, nil
}

// Acquire blocks until the lock is held, watching the predecessor node.
func (l *Lock) Acquire() error {
	node, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("create sequential node: %w", err)
	}
	l.lockNode = node

	for {
		lowest, prev, err := l.position()
		if err != nil {
			return err
		}
		if lowest {
			return nil
		}

		_, _, eventChan, err := l.conn.ExistsW(prev)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return fmt.Errorf("watch predecessor: %w", err)
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-time.After(l.waitMax):
			l.Release()
			return errors.New("timeout waiting for lock")
		}
	}
}

// Release deletes this holder's node. Safe to call when not held.
func (l *Lock) Release() error {
	if l.lockNode == "" {
		return nil
	}
	err := l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("delete lock node: %w", err)
	}
	return nil
}

func (l *Lock) isLowest() (bool, error) {
	lowest, _, err := l.position()
	return lowest, err
}

// position reports whether our node holds the lowest sequence and, when it
// does not, the path of the node immediately before ours.
func (l *Lock) position() (bool, string, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return false, "", fmt.Errorf("list lock children: %w", err)
	}
	mine := strings.TrimPrefix(l.lockNode, l.path+"/")
	lowest, prev, err := rank(children, mine)
	if err != nil {
		return false, "", err
	}
	if prev != "" {
		prev = l.path + "/" + prev
	}
	return lowest, prev, nil
}

// parseSeq extracts the trailing sequence number. Protected nodes carry a
// _c_<guid>- prefix, so names do not sort in creation order; only the
// sequence suffix the server appended is ordered.
func parseSeq(name string) (int, error) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0, fmt.Errorf("node %q has no sequence suffix", name)
	}
	return strconv.Atoi(name[idx+1:])
}

// rank finds our node among the children by sequence number and returns
// whether it is the lowest, plus the name of the immediate predecessor when
// it is not. Children without a parseable sequence are ignored.
func rank(children []string, mine string) (bool, string, error) {
	mySeq, err := parseSeq(mine)
	if err != nil {
		return false, "", fmt.Errorf("own lock node: %w", err)
	}
	found := false
	prevSeq := -1
	prev := ""
	for _, child := range children {
		if child == mine {
			found = true
			continue
		}
		seq, err := parseSeq(child)
		if err != nil {
			continue
		}
		if seq < mySeq && seq > prevSeq {
			prevSeq = seq
			prev = child
		}
	}
	if !found {
		return false, "", errors.New("own lock node missing from children")
	}
	return prev == "", prev, nil
}
