package gateway

import (
	"hash/fnv"
	"sync"
)

const registryShardCount = 16

// registry maps (tenant, topic) to the set of live connections. It is owned
// exclusively by the Hub and sharded so broadcasts in one tenant do not
// contend with accepts in another. Shard locks never cover connection I/O.
type registry struct {
	shards [registryShardCount]registryShard
}

type registryShard struct {
	mu     sync.RWMutex
	topics map[Topic]map[string]*Connection
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].topics = make(map[Topic]map[string]*Connection)
	}
	return r
}

func (r *registry) shard(t Topic) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Tenant))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t.Name))
	return &r.shards[h.Sum32()%registryShardCount]
}

func (r *registry) add(c *Connection) {
	s := r.shard(c.Topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.topics[c.Topic]
	if !ok {
		set = make(map[string]*Connection)
		s.topics[c.Topic] = set
	}
	set[c.ID] = c
}

// remove reports whether the connection was still registered.
func (r *registry) remove(c *Connection) bool {
	s := r.shard(c.Topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.topics[c.Topic]
	if !ok {
		return false
	}
	if _, ok := set[c.ID]; !ok {
		return false
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(s.topics, c.Topic)
	}
	return true
}

// snapshot copies the current subscriber set so fan-out can enqueue without
// holding the shard lock.
func (r *registry) snapshot(t Topic) []*Connection {
	s := r.shard(t)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.topics[t]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *registry) count(t Topic) int {
	s := r.shard(t)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[t])
}

func (r *registry) all() []*Connection {
	var out []*Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, set := range s.topics {
			for _, c := range set {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
