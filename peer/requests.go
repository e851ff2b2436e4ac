package peer

import "peer-rpc/message"

// pendingRequest correlates an outgoing request id with its completion callbacks.
// Unary entries see exactly one resolve or reject; stream entries see any number
// of non-terminal resolves followed by one terminal event.
type pendingRequest struct {
	method   string
	isStream bool
	resolve  func(*message.Response)
	reject   func(error)
}

// requestRegistry is guarded by Peer.mu. Whoever removes an entry owns its
// terminal callback, which is what prevents double delivery.
type requestRegistry struct {
	nextID  uint32
	entries map[uint32]*pendingRequest
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{entries: make(map[uint32]*pendingRequest)}
}

// add assigns the next id. Ids are never 0 and skip any still in flight after wrap-around.
func (r *requestRegistry) add(req *pendingRequest) uint32 {
	for {
		r.nextID++
		if r.nextID == 0 {
			continue
		}
		if _, busy := r.entries[r.nextID]; !busy {
			break
		}
	}
	r.entries[r.nextID] = req
	return r.nextID
}

func (r *requestRegistry) get(id uint32) *pendingRequest {
	return r.entries[id]
}

// remove reports whether id was registered.
func (r *requestRegistry) remove(id uint32) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// drain empties the registry and returns what was in it.
func (r *requestRegistry) drain() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(r.entries))
	for id, req := range r.entries {
		out = append(out, req)
		delete(r.entries, id)
	}
	return out
}

func (r *requestRegistry) len() int {
	return len(r.entries)
}
