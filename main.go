package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pion/logging"

	"github.com/sketchmesh/sketchmesh/pkg/session"
	"github.com/sketchmesh/sketchmesh/pkg/settings"
)

// Config holds runtime configuration
type Config struct {
	Host     bool
	JoinRoom string
	List     bool
	RelayURL string
	Name     string
	Project  string
	Help     bool
}

func parseFlags() Config {
	config := Config{}

	flag.BoolVar(&config.Host, "host", false, "Host a new session")
	flag.StringVar(&config.JoinRoom, "join", "", "Join an existing room by code")
	flag.BoolVar(&config.List, "list", false, "List open rooms on the relay and exit")
	flag.BoolVar(&config.List, "l", false, "List open rooms (shorthand)")
	flag.StringVar(&config.RelayURL, "relay", "", "Relay URL (overrides saved setting)")
	flag.StringVar(&config.Name, "name", "", "Display name")
	flag.StringVar(&config.Project, "project", "", "Project name when hosting")
	flag.BoolVar(&config.Help, "help", false, "Show help")
	flag.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	flag.Parse()
	return config
}

func printHelp() {
	fmt.Println(`sketchmesh - peer-to-peer canvas collaboration

Usage: sketchmesh [options]

Options:
  --host                 Host a new session
  --join <room-code>     Join an existing room
  --list, -l             List open rooms on the relay and exit
  --relay <url>          Relay URL (default: saved setting, ws://localhost:8080/ws)
  --name <name>          Display name shown to other peers
  --project <name>       Project name when hosting
  --help, -h             Show help

Run the relay with: sketchmesh-server --port 8080`)
}

func main() {
	config := parseFlags()
	if config.Help {
		printHelp()
		return
	}

	prefs, err := settings.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load settings: %v\n", err)
	}
	if config.RelayURL == "" {
		config.RelayURL = prefs.RelayURL
	}
	if config.Name == "" {
		config.Name = prefs.DisplayName
	}
	if config.Name == "" {
		config.Name = "anonymous"
	}

	loggerFactory := logging.NewDefaultLoggerFactory()

	if config.List {
		rooms, err := session.ListRooms(config.RelayURL, loggerFactory, 5*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(rooms) == 0 {
			fmt.Println("No open rooms.")
			return
		}
		for _, room := range rooms {
			fmt.Printf("%-20s  %-24s  host=%s  members=%d\n", room.RoomID, room.ProjectName, room.HostID, room.Members)
		}
		return
	}

	if !config.Host && config.JoinRoom == "" {
		printHelp()
		os.Exit(1)
	}

	// The canvas object model is external; the TUI keeps an opaque snapshot
	// so late joiners receive whatever document the host holds.
	doc := newDocument()

	cfg := session.Config{
		PeerID:        prefs.PeerID,
		RelayURL:      config.RelayURL,
		ProjectName:   config.Project,
		LoggerFactory: loggerFactory,
		SnapshotProvider: func() json.RawMessage {
			return doc.Snapshot()
		},
	}
	if config.Host && cfg.ProjectName == "" {
		cfg.ProjectName = config.Name + "'s project"
	}

	if err := RunTUI(cfg, config, doc); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
