package gateway

import (
	"slices"
	"sync"
)

// index maps peer uuids to the apps they serve.
type index struct {
	mu    sync.RWMutex
	peers map[string]map[string]struct{}
}

func newIndex() *index {
	return &index{peers: make(map[string]map[string]struct{})}
}

func (x *index) add(uuid, app string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	link(x.peers, uuid, app)
}

func (x *index) remove(uuid, app string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	unlink(x.peers, uuid, app)
}

// appsOf lists the apps uuid serves, sorted.
func (x *index) appsOf(uuid string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.peers[uuid])
}

func (x *index) uuids() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.peers)
}

func link[V any](m map[string]map[string]V, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]V)
		m[key] = set
	}
	var zero V
	set[value] = zero
}

func unlink[V any](m map[string]map[string]V, key, value string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m, key)
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
