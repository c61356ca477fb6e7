// Package roommanager implements the lookup/creation/eviction of Room
// instances on this node (§4.D). It owns the in-process table and the
// staleness eviction loop; the core itself only depends on the Directory
// interface.
package roommanager

import (
	"sync"
	"time"

	"github.com/sevenautumns/niketsu-core/server/src/db"
	"github.com/sevenautumns/niketsu-core/server/src/logger"
	"github.com/sevenautumns/niketsu-core/server/src/room"
)

// Directory is the collaborator contract the rest of this core depends
// on: GetRoom is safe to call concurrently and returns the same instance
// for the same name within one process.
type Directory interface {
	GetRoom(name string) (*room.Room, error)
}

// Factory constructs a new, empty Room for a name this node has not seen
// before. Declared rooms (persistent, pre-created from configuration)
// bypass the factory and are seeded directly at startup via Declare.
type Factory func(name string) *room.Room

type RoomManager struct {
	mu      sync.RWMutex
	rooms   map[string]*room.Room
	factory Factory
	db      db.DBManager

	evictInterval time.Duration
	stop          chan struct{}
}

func New(factory Factory, store db.DBManager, evictInterval time.Duration) *RoomManager {
	if evictInterval == 0 {
		evictInterval = 30 * time.Second
	}

	return &RoomManager{
		rooms:         make(map[string]*room.Room),
		factory:       factory,
		db:            store,
		evictInterval: evictInterval,
		stop:          make(chan struct{}),
	}
}

// Declare registers a room ahead of time (e.g. read from the startup
// configuration file or recovered from the database), persistent rooms
// among them are exempt from staleness eviction regardless of
// participant count.
func (m *RoomManager) Declare(r *room.Room) {
	r.SetSnapshotStore(m.db)
	if snapshot, err := m.db.GetSnapshot(r.Name()); err != nil {
		logger.Debugw("No recoverable snapshot for declared room", "room", r.Name())
	} else if len(snapshot) > 0 {
		if err := r.LoadSnapshot(snapshot); err != nil {
			logger.Warnw("Failed to recover room snapshot", "room", r.Name(), "error", err)
		} else {
			logger.Infow("Recovered room state from local snapshot", "room", r.Name())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[r.Name()] = r
}

// GetRoom returns the process-local instance for name, creating one via
// the factory on first access. Safe for concurrent calls.
func (m *RoomManager) GetRoom(name string) (*room.Room, error) {
	m.mu.RLock()
	r, ok := m.rooms[name]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[name]; ok {
		return r, nil
	}

	r = m.factory(name)
	r.SetSnapshotStore(m.db)

	if snapshot, err := m.db.GetSnapshot(name); err == nil && len(snapshot) > 0 {
		if err := r.LoadSnapshot(snapshot); err != nil {
			logger.Warnw("Failed to recover room snapshot", "room", name, "error", err)
		} else {
			logger.Infow("Recovered room state from local snapshot", "room", name)
		}
	}

	m.rooms[name] = r

	if err := m.db.PutRoom(db.RoomRecord{Name: name, Persistent: r.Persistent()}); err != nil {
		logger.Warnw("Failed to persist room record", "room", name, "error", err)
	}

	return r, nil
}

// Run polls every room for staleness on evictInterval, unloading and
// dropping any that qualify, until Stop is called.
func (m *RoomManager) Run() {
	ticker := time.NewTicker(m.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictStale()
		case <-m.stop:
			return
		}
	}
}

func (m *RoomManager) Stop() {
	close(m.stop)
}

func (m *RoomManager) evictStale() {
	m.mu.RLock()
	var stale []*room.Room
	for _, r := range m.rooms {
		if r.IsStale() {
			stale = append(stale, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range stale {
		logger.Infow("Unloading stale room", "room", r.Name())
		r.OnBeforeUnload()

		m.mu.Lock()
		delete(m.rooms, r.Name())
		m.mu.Unlock()

		if err := m.db.DeleteRoom(r.Name()); err != nil {
			logger.Warnw("Failed to delete room record", "room", r.Name(), "error", err)
		}
	}
}

// Count reports the number of rooms currently loaded on this node, used
// for diagnostics.
func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.rooms)
}

// TickAll drives the end-of-video/vote-reorder/keepalive check on every
// room currently loaded on this node, on interval, until Stop is called.
// Runs independently of the eviction loop started by Run.
func (m *RoomManager) TickAll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			rooms := make([]*room.Room, 0, len(m.rooms))
			for _, r := range m.rooms {
				rooms = append(rooms, r)
			}
			m.mu.RUnlock()

			for _, r := range rooms {
				r.Tick()
			}
		case <-m.stop:
			return
		}
	}
}
