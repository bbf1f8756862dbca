package overlay

import (
	"sync"

	"github.com/teapotnet/overlay/internal/identity"
)

// routingTable maps destination identifiers to a cached next-hop identifier,
// plus the set of directly connected neighbours (spec §3 "Routing table").
// The invariant `route(x) = x` for every neighbour x is maintained by
// construction: neighbours are never written to the cache with any other
// next hop.
//
// Guarded by a single mutex, per spec §5 "Shared-resource policy": the
// routing table and neighbour map are always read-modify-written together.
type routingTable struct {
	mu         sync.Mutex
	self       identity.ID
	neighbours map[identity.ID]*Neighbour
	cache      map[identity.ID]identity.ID
}

func newRoutingTable(self identity.ID) *routingTable {
	return &routingTable{
		self:       self,
		neighbours: make(map[identity.ID]*Neighbour),
		cache:      make(map[identity.ID]identity.ID),
	}
}

// addNeighbour registers id as directly connected, establishing route(id) = id.
func (rt *routingTable) addNeighbour(n *Neighbour) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.neighbours[n.ID] = n
	rt.cache[n.ID] = n.ID
}

// removeNeighbour drops id from the neighbour set and invalidates any
// cached route that named it as the next hop (spec §4.2 "A dropped
// neighbour triggers re-evaluation of cached routes that named it").
func (rt *routingTable) removeNeighbour(id identity.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delete(rt.neighbours, id)
	for dest, hop := range rt.cache {
		if hop == id {
			delete(rt.cache, dest)
		}
	}
}

func (rt *routingTable) neighbour(id identity.ID) (*Neighbour, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n, ok := rt.neighbours[id]
	return n, ok
}

func (rt *routingTable) isNeighbour(id identity.ID) bool {
	_, ok := rt.neighbour(id)
	return ok
}

func (rt *routingTable) neighbourCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.neighbours)
}

func (rt *routingTable) allNeighbours() []*Neighbour {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]*Neighbour, 0, len(rt.neighbours))
	for _, n := range rt.neighbours {
		out = append(out, n)
	}
	return out
}

// setRoute caches hop as the next hop toward dest. Writing a neighbour's own
// identifier as a route is a no-op since addNeighbour already installed it.
// No code path in this package calls it; the tests use it to seed routes
// toward non-neighbour destinations.
func (rt *routingTable) setRoute(dest, hop identity.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.cache[dest] = hop
}

// invalidate drops any cached route naming hop as the next hop toward dest,
// used when a send attempt to hop fails or hop proves to be a dead end
// (spec §4.2 "Route cache").
func (rt *routingTable) invalidate(dest, hop identity.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cur, ok := rt.cache[dest]; ok && cur == hop {
		delete(rt.cache, dest)
	}
}

// closest returns the identifier among self and the known neighbours that
// minimises XOR distance to dest (spec §3 "The 'closest' function").
func (rt *routingTable) closest(dest identity.ID) identity.ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closestLocked(dest, identity.ID{})
}

// closestExcept is closest, but never returns except (used by Node.Send's
// retry to exclude the failed hop from consideration).
func (rt *routingTable) closestExcept(dest, except identity.ID) identity.ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closestLocked(dest, except)
}

func (rt *routingTable) closestLocked(dest, except identity.ID) identity.ID {
	best := rt.self
	bestDist := rt.self.Xor(dest)

	for id := range rt.neighbours {
		if id == except {
			continue
		}
		if d := id.Xor(dest); d.Less(bestDist) {
			best = id
			bestDist = d
		}
	}
	return best
}

// route returns the next hop toward dest: a cached route if one exists,
// otherwise the closest known identifier (spec §4.2 "send").
func (rt *routingTable) route(dest identity.ID) identity.ID {
	rt.mu.Lock()
	if hop, ok := rt.cache[dest]; ok {
		if _, stillNeighbour := rt.neighbours[hop]; stillNeighbour || hop == rt.self {
			rt.mu.Unlock()
			return hop
		}
		delete(rt.cache, dest)
	}
	rt.mu.Unlock()

	return rt.closest(dest)
}
