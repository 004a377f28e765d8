// Command trackplot renders a recorded session to PNG: the trajectory of
// every source over the stimulation regions, and the TTL timeline.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/CINPLA/tracking-plugin/internal/config"
	"github.com/CINPLA/tracking-plugin/internal/db"
	"github.com/CINPLA/tracking-plugin/internal/report"
	"github.com/CINPLA/tracking-plugin/internal/stim"
)

var (
	dbPath     = flag.String("db", "tracking.db", "SQLite database with recorded sessions")
	session    = flag.String("session", "", "Session ID to render (default: the latest)")
	outDir     = flag.String("out", "plots", "Output directory")
	configPath = flag.String("config", "", "Configuration file whose regions are drawn (optional)")
	list       = flag.Bool("list", false, "List recorded sessions and exit")
	limit      = flag.Int("limit", 50, "Maximum sessions listed by -list")
)

func regions(path string) ([]stim.Region, error) {
	if path == "" {
		return nil, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.StimRegions()
}

func main() {
	flag.Parse()

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if *list {
		sessions, err := store.Sessions(*limit)
		if err != nil {
			log.Fatalf("failed to list sessions: %v", err)
		}
		for _, s := range sessions {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%d positions\t%d ttl\n", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Positions, s.TTLEvents)
		}
		return
	}

	rs, err := regions(*configPath)
	if err != nil {
		log.Fatalf("failed to read regions: %v", err)
	}
	paths, err := report.SaveSession(store, *session, *outDir, rs)
	if err != nil {
		log.Fatalf("failed to render session: %v", err)
	}
	for _, p := range paths {
		log.Printf("wrote %s", p)
	}
}
