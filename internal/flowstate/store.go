package flowstate

import (
	"sync"
)

// Store holds the canonical interface and flow rows for a single device
// during reconciliation. Rows are keyed strictly by instance string and
// iterate in insertion order. The store itself is not safe for concurrent
// use; the Engine serializes whole reconciliation cycles around it.
type Store struct {
	interfaces    map[string]*Interface
	interfaceKeys []string

	incoming     map[string]*Flow
	incomingKeys []string
	outgoing     map[string]*Flow
	outgoingKeys []string

	// dirty tracks interface indexes whose flow membership changed since
	// the last aggregate recomputation.
	dirty map[string]struct{}

	// interfacesReplaced records that the interface table was last mutated
	// through a bulk replace, so the synchronizer can take the wholesale
	// swap path instead of diffing row by row.
	interfacesReplaced bool
}

func NewStore() *Store {
	return &Store{
		interfaces: make(map[string]*Interface),
		incoming:   make(map[string]*Flow),
		outgoing:   make(map[string]*Flow),
		dirty:      make(map[string]struct{}),
	}
}

// Interface returns the interface row for the given index, or nil.
func (s *Store) Interface(index string) *Interface {
	return s.interfaces[index]
}

// UpsertInterface inserts or replaces a single interface row.
func (s *Store) UpsertInterface(iface *Interface) {
	if _, ok := s.interfaces[iface.Index]; !ok {
		s.interfaceKeys = append(s.interfaceKeys, iface.Index)
	}
	s.interfaces[iface.Index] = iface
	s.markDirty(iface.Index)
}

// ReplaceInterfaces swaps the whole interface table for the given set,
// used when the caller recomputes the interface list from scratch.
func (s *Store) ReplaceInterfaces(ifaces []*Interface) {
	// Indexes the replace drops stay dirty too: flows still referencing
	// them must be re-flagged on the next aggregate recomputation.
	for idx := range s.interfaces {
		s.markDirty(idx)
	}
	s.interfaces = make(map[string]*Interface, len(ifaces))
	s.interfaceKeys = s.interfaceKeys[:0]
	for _, iface := range ifaces {
		if _, ok := s.interfaces[iface.Index]; ok {
			continue
		}
		s.interfaces[iface.Index] = iface
		s.interfaceKeys = append(s.interfaceKeys, iface.Index)
		s.markDirty(iface.Index)
	}
	s.interfacesReplaced = true
}

// Interfaces returns all interface rows in insertion order.
func (s *Store) Interfaces() []*Interface {
	out := make([]*Interface, 0, len(s.interfaceKeys))
	for _, k := range s.interfaceKeys {
		out = append(out, s.interfaces[k])
	}
	return out
}

func (s *Store) flowTable(dir Direction) (map[string]*Flow, *[]string) {
	if dir == DirectionIncoming {
		return s.incoming, &s.incomingKeys
	}
	return s.outgoing, &s.outgoingKeys
}

// Flow returns the flow row for the given direction and instance, or nil.
func (s *Store) Flow(dir Direction, instance string) *Flow {
	table, _ := s.flowTable(dir)
	return table[instance]
}

// UpsertFlow inserts or replaces a flow row and marks its interface dirty.
// If the row previously referenced a different interface, both the old and
// new interface aggregates need recomputation.
func (s *Store) UpsertFlow(f *Flow) {
	table, keys := s.flowTable(f.Direction)
	if prev, ok := table[f.Instance]; ok {
		if prev.Interface != f.Interface {
			s.markDirty(prev.Interface)
		}
	} else {
		*keys = append(*keys, f.Instance)
	}
	table[f.Instance] = f
	s.markDirty(f.Interface)
}

// RemoveFlow deletes a flow row. Removing an unknown instance is a no-op.
func (s *Store) RemoveFlow(dir Direction, instance string) {
	table, keys := s.flowTable(dir)
	f, ok := table[instance]
	if !ok {
		return
	}
	delete(table, instance)
	for i, k := range *keys {
		if k == instance {
			*keys = append((*keys)[:i], (*keys)[i+1:]...)
			break
		}
	}
	s.markDirty(f.Interface)
}

// Flows returns all flow rows for a direction in insertion order.
func (s *Store) Flows(dir Direction) []*Flow {
	table, keys := s.flowTable(dir)
	out := make([]*Flow, 0, len(*keys))
	for _, k := range *keys {
		out = append(out, table[k])
	}
	return out
}

func (s *Store) markDirty(index string) {
	if index == "" {
		return
	}
	s.dirty[index] = struct{}{}
}

// takeDirty returns the set of interface indexes touched since the last
// call and clears it.
func (s *Store) takeDirty() []string {
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		out = append(out, k)
	}
	s.dirty = make(map[string]struct{})
	return out
}

// TakeInterfacesReplaced reports whether the interface table was bulk
// replaced since the last call and clears the marker.
func (s *Store) TakeInterfacesReplaced() bool {
	r := s.interfacesReplaced
	s.interfacesReplaced = false
	return r
}

// Registry hands out one store per device and supports discarding a
// device's cached state on demand. A fresh store must be obtainable at
// process startup so no rows from a previous run survive; the registry
// makes that reset explicit rather than relying on ambient globals.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Store returns the store for the given device, creating it if needed.
func (r *Registry) Store(deviceID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[deviceID]
	if !ok {
		s = NewStore()
		r.stores[deviceID] = s
	}
	return s
}

// Reset discards any cached state for the given device. The next call to
// Store returns an empty store.
func (r *Registry) Reset(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, deviceID)
}

// Devices lists the device identifiers with an active store.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stores))
	for k := range r.stores {
		out = append(out, k)
	}
	return out
}
