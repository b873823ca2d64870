package hostfs

import (
	"sync"

	"github.com/objectfs/b2fs/pkg/utils"
)

// NodeID identifies a file or directory for the lifetime of a mount.
type NodeID uint64

// RootID is the bucket root.
const RootID NodeID = 1

type node struct {
	id  NodeID
	key string
}

func (n *node) isDir() bool {
	return utils.IsDirKey(n.key)
}

// nodeTable hands out node IDs. IDs only grow: a name that is deleted and
// created again, or renamed onto, gets a fresh ID.
type nodeTable struct {
	mu    sync.RWMutex
	next  NodeID
	byID  map[NodeID]*node
	byKey map[string]*node
}

func newNodeTable() *nodeTable {
	root := &node{id: RootID, key: ""}
	return &nodeTable{
		next:  RootID + 1,
		byID:  map[NodeID]*node{RootID: root},
		byKey: map[string]*node{"": root},
	}
}

// get returns the node for id.
func (t *nodeTable) get(id NodeID) (*node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// assign returns the live ID for key, allocating one if none exists.
func (t *nodeTable) assign(key string) NodeID {
	t.mu.RLock()
	n, ok := t.byKey[key]
	t.mu.RUnlock()
	if ok {
		return n.id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byKey[key]; ok {
		return n.id
	}
	n = &node{id: t.next, key: key}
	t.next++
	t.byID[n.id] = n
	t.byKey[key] = n
	return n.id
}

// forget drops the node bound to key. Its ID is never handed out again.
func (t *nodeTable) forget(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byKey[key]; ok {
		delete(t.byKey, key)
		delete(t.byID, n.id)
	}
}

// move rebinds the node at oldKey to newKey, keeping its ID. Whatever node
// held newKey before is forgotten.
func (t *nodeTable) move(oldKey, newKey string) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.byKey[newKey]; ok {
		delete(t.byKey, newKey)
		delete(t.byID, prev.id)
	}
	n, ok := t.byKey[oldKey]
	if !ok {
		n = &node{id: t.next}
		t.next++
		t.byID[n.id] = n
	} else {
		delete(t.byKey, oldKey)
	}
	n.key = newKey
	t.byKey[newKey] = n
	return n.id
}

func (t *nodeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
