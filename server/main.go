package main

import (
	"errors"
	"time"

	"github.com/sevenautumns/niketsu-core/server/src/bus"
	"github.com/sevenautumns/niketsu-core/server/src/config"
	"github.com/sevenautumns/niketsu-core/server/src/db"
	"github.com/sevenautumns/niketsu-core/server/src/gateway"
	"github.com/sevenautumns/niketsu-core/server/src/logger"
	"github.com/sevenautumns/niketsu-core/server/src/room"
	"github.com/sevenautumns/niketsu-core/server/src/roommanager"
)

var cli config.CLI
var declaredRooms map[string]config.RoomConfig

func init() {
	full := config.ParseFullConfig()
	cli = full.General
	declaredRooms = full.Rooms
	config.PrintConfig(full)
	logger.NewGlobalLogger(cli.Debug)
}

// passthroughExtractor resolves a queued video reference without any
// external metadata lookup; title/length extraction from the source
// service is left to a future client-side or plugin integration.
type passthroughExtractor struct{}

func (passthroughExtractor) Resolve(ref room.VideoRef) (room.Video, error) {
	return room.Video{Service: ref.Service, Id: ref.Id}, nil
}

// noUserStore is used when no external account service is configured:
// every room join is treated as an unregistered participant.
type noUserStore struct{}

func (noUserStore) GetUser(id uint64) (room.User, error) {
	return room.User{}, errors.New("no account service configured")
}

func main() {
	defer logger.Sync()

	dbFile := cli.DBPath + "niketsu.db"
	if err := db.CreateDir(dbFile); err != nil {
		logger.Fatalw("Failed to create database directory", "error", err)
	}

	store, err := db.NewBoltKeyValueStore(dbFile, cli.DBWaitTimeout)
	if err != nil {
		logger.Fatalw("Invalid database configuration", "error", err)
	}
	if err := store.Open(); err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	defer store.Close()

	dbManager := db.NewDBManager(store)

	messageBus, err := bus.NewRedisBus(cli.BusAddr, cli.BusPassword)
	if err != nil {
		logger.Fatalw("Failed to connect to message bus", "error", err)
	}
	defer messageBus.Close()

	staleTimeout := time.Duration(cli.RoomStaleTimeout) * time.Second
	coalesceWindow := time.Duration(cli.SyncCoalesceMillis) * time.Millisecond

	factory := func(name string) *room.Room {
		return room.New(room.Config{
			Name:           name,
			StaleTimeout:   staleTimeout,
			CoalesceWindow: coalesceWindow,
		}, messageBus, passthroughExtractor{}, noUserStore{})
	}

	manager := roommanager.New(factory, dbManager, staleTimeout/8)

	for name, declared := range declaredRooms {
		r := room.New(room.Config{
			Name:           name,
			Persistent:     declared.Persistent,
			StaleTimeout:   staleTimeout,
			CoalesceWindow: coalesceWindow,
		}, messageBus, passthroughExtractor{}, noUserStore{})
		manager.Declare(r)
	}

	// Restore any persistent room this node hosted before a restart but
	// that isn't (or is no longer) named in the static config file, so a
	// restart doesn't silently drop rooms created at runtime.
	recovered, err := dbManager.AllRooms()
	if err != nil {
		logger.Warnw("Failed to read persisted room records", "error", err)
	}
	for name, record := range recovered {
		if !record.Persistent {
			continue
		}
		if _, alreadyDeclared := declaredRooms[name]; alreadyDeclared {
			continue
		}
		r := room.New(room.Config{
			Name:           name,
			Persistent:     true,
			StaleTimeout:   staleTimeout,
			CoalesceWindow: coalesceWindow,
		}, messageBus, passthroughExtractor{}, noUserStore{})
		manager.Declare(r)
	}

	go manager.Run()
	defer manager.Stop()

	tickInterval := time.Duration(cli.TickIntervalMillis) * time.Millisecond
	go manager.TickAll(tickInterval)

	gatewayManager := gateway.NewManager(manager, messageBus)
	go gatewayManager.Keepalive()
	defer gatewayManager.Stop()

	server := gateway.NewServer(cli, gatewayManager)
	if err := server.Listen(); err != nil {
		logger.Fatalw("Shutting down server", "error", err)
	}
}
