package config

import (
	"encoding/json"
	"log"

	"github.com/BurntSushi/toml"
	flags "github.com/jessevdk/go-flags"
)

// RoomConfig describes a room declared ahead of time in a config file.
// Such a room is created on startup and is exempt from staleness-based
// unload regardless of participant count.
type RoomConfig struct {
	Persistent bool
}

// CLI holds every setting the core needs, sourced from a config file,
// environment variables, or command-line flags.
type CLI struct {
	Config             string `long:"config" default:"" env:"CONFIG" description:"path to config file (toml)"`
	Host               string `long:"host" default:"" env:"HOST" description:"host name (e.g. 0.0.0.0). If left empty (= ''), listens on all IPs of the machine"`
	Port               uint16 `long:"port" default:"7766" env:"PORT" description:"port (range from 0 to 65535) to listen on"`
	Cert               string `long:"cert" default:"" env:"CERT" description:"path to TLS certificate file. If none is given, plain TCP is used"`
	Key                string `long:"key" default:"" env:"KEY" description:"path to TLS key corresponding to the TLS certificate. If none is given, plain TCP is used"`
	Password           string `long:"password" default:"" env:"PASSWORD" description:"general server password for client connections"`
	DBPath             string `long:"dbpath" default:"./.db/" env:"DBPATH" description:"path to where database files are stored"`
	DBUpdateInterval   uint64 `long:"dbupdateinterval" default:"10" env:"DBUPDATEINTERVAL" description:"update interval (in seconds) of writes to the database"`
	DBWaitTimeout      uint64 `long:"dbwaittimeout" default:"4" env:"DBWAITTIMEOUT" description:"wait time (in seconds) until write to database is aborted"`
	BusAddr            string `long:"busaddr" default:"127.0.0.1:6379" env:"BUSADDR" description:"address of the message bus (redis) used for cross-node room sync"`
	BusPassword        string `long:"buspassword" default:"" env:"BUSPASSWORD" description:"password for the message bus"`
	RoomStaleTimeout   uint64 `long:"roomstaletimeout" default:"240" env:"ROOMSTALETIMEOUT" description:"seconds without participants before a non-persistent room is unloaded"`
	SyncCoalesceMillis uint64 `long:"synccoalescemillis" default:"50" env:"SYNCCOALESCEMILLIS" description:"trailing-edge coalescing window (in milliseconds) for room state sync"`
	TickIntervalMillis uint64 `long:"tickintervalmillis" default:"1000" env:"TICKINTERVALMILLIS" description:"cadence (in milliseconds) of the room's periodic update"`
	Debug              bool   `long:"debug" env:"DEBUG" description:"whether to log debugging entries"`
}

// Full is the root config shape, mirroring a config file's sections.
type Full struct {
	General CLI
	Rooms   map[string]RoomConfig
}

// ParseFullConfig parses command arguments, environment variables and a
// config file (if one is given), and returns the merged configuration.
// Order of precedence is: config file < environment variables < command
// arguments.
func ParseFullConfig() Full {
	cli := parseFlags()

	full := Full{Rooms: make(map[string]RoomConfig)}
	if cli.Config != "" {
		readConfigFile(cli.Config, &full)
		mergeConfigs(cli, &full)
	} else {
		full.General = cli
	}

	return full
}

// ParseCommandArgs exposes just the General section, for callers that
// do not care about declared rooms.
func ParseCommandArgs() CLI {
	return parseFlags()
}

func parseFlags() CLI {
	var cli CLI
	parser := flags.NewParser(&cli, flags.Default|flags.IgnoreUnknown)
	parser.Parse()

	return cli
}

func readConfigFile(path string, full *Full) {
	_, err := toml.DecodeFile(path, full)
	if err != nil {
		log.Fatalf("Failed to load config file. Given: %s. Make sure the correct file format (toml) is used and the file exists.\nError:%s", path, err)
	}
}

func mergeConfigs(cli CLI, full *Full) {
	enc, err := json.Marshal(cli)
	if err != nil {
		log.Fatalf("Failed to marshal configuration. Error: %s", err)
	}

	err = json.Unmarshal(enc, &full.General)
	if err != nil {
		log.Fatalf("Failed to unmarshal configuration. Error: %s", err)
	}
}

// PrintConfig logs the resolved configuration once at startup.
func PrintConfig(full Full) {
	s, _ := json.MarshalIndent(full, "", "\t")
	log.Printf("Configuration resolved:\n%s", string(s))
}
