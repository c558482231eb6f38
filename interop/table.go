package interop

import "sync"

// The handle table is how a producer's shared surface becomes reachable by
// consumers: the producer publishes the surface under its channel name and
// consumers attach by lookup. It is the in-process analog of exchanging an
// OS share handle through the producer registry.
var (
	tableMu sync.RWMutex
	table   = make(map[string]Surface)
)

// Publish makes surf reachable under name, replacing any previous surface.
func Publish(name string, surf Surface) {
	tableMu.Lock()
	defer tableMu.Unlock()
	table[name] = surf
}

// Lookup returns the surface published under name.
func Lookup(name string) (Surface, bool) {
	tableMu.RLock()
	defer tableMu.RUnlock()
	s, ok := table[name]
	return s, ok
}

// Retract removes name from the table. The caller still owns the surface.
func Retract(name string) {
	tableMu.Lock()
	defer tableMu.Unlock()
	delete(table, name)
}
