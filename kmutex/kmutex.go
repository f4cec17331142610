// Package kmutex provides a mutex keyed by string, so independent keys never
// contend and held keys cost one map entry each.
package kmutex

import "sync"

// Kmutex locks and unlocks per key. The zero value is not usable; call New.
type Kmutex struct {
	m *sync.Map
}

// New is the Kmutex constructor.
func New() Kmutex {
	m := sync.Map{}
	return Kmutex{&m}
}

// Lock locks the mutex for the given key.
func (s Kmutex) Lock(key string) {
	m := sync.Mutex{}
	got, _ := s.m.LoadOrStore(key, &m)
	mm := got.(*sync.Mutex)
	mm.Lock()
	if mm != &m {
		// lost the race against an Unlock that deleted the entry; the mutex
		// we hold is no longer in the map, retry with a fresh one
		mm.Unlock()
		s.Lock(key)
		return
	}
}

// Unlock unlocks the mutex for the given key and deletes the key from the
// map.
func (s Kmutex) Unlock(key string) {
	got, exist := s.m.Load(key)
	if !exist {
		panic("kmutex: unlock of unlocked mutex")
	}
	mm := got.(*sync.Mutex)
	s.m.Delete(key)
	mm.Unlock()
}
