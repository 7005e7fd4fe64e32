package intercom

import "fmt"

// Registry owns the three stations and the barrier that paces them.
type Registry struct {
	stations [NumStations]*Station
	barrier  *Barrier
}

// NewRegistry allocates all stations for periods of size samples.
func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid period size %d", size)
	}
	r := &Registry{barrier: NewBarrier(NumStations)}
	for _, id := range Identities {
		r.stations[id] = NewStation(id, size)
	}
	return r, nil
}

// Station returns the mutable station for id. Only that station's loop may
// modify it.
func (r *Registry) Station(id Identity) *Station {
	return r.stations[id]
}

// Peer returns a read-only view of the station for id.
func (r *Registry) Peer(id Identity) Peer {
	return Peer{s: r.stations[id]}
}

// Neighbors returns read-only views of the stations in flight slots 1 and 2
// for id.
func (r *Registry) Neighbors(id Identity) [2]Peer {
	a, b := id.Neighbors()
	return [2]Peer{r.Peer(a), r.Peer(b)}
}

// Barrier returns the barrier shared by the station loops.
func (r *Registry) Barrier() *Barrier {
	return r.barrier
}

// Statuses returns the latest published status of every station.
func (r *Registry) Statuses() []*Status {
	out := make([]*Status, 0, NumStations)
	for _, s := range r.stations {
		out = append(out, s.Status())
	}
	return out
}
