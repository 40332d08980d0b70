// Command troupnode starts one cluster member, adapted from the teacher's
// own main.go: flag parsing, a colorized startup banner on a real
// terminal, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/palefire/troupnode/config"
	"github.com/palefire/troupnode/node"
)

var version = "dev"

func main() {
	var (
		nodeName            = flag.String("node", "", "this node's cluster-unique name (required)")
		neighbours          = flag.String("neighbours", "", "comma-separated name:host:port seeds")
		host                = flag.String("host", "0.0.0.0", "address to bind the websocket listener on")
		port                = flag.Int("port", 7000, "port to bind the websocket listener on")
		storageRoot         = flag.String("storage-root", "", "sqlite catalog path; empty keeps an in-memory catalog")
		statsUpdateInterval = flag.Duration("stats-update-interval", time.Second, "how often to refresh host load stats")
		lockPath            = flag.String("lock", "", "PID lock file path; empty skips single-instance locking")
		logLevel            = flag.String("log-level", "info", "log verbosity (unused by the standard logger, reserved)")
		maxWorkers          = flag.Int("max-workers", 3, "concurrent task execution slots")
		syncInterval        = flag.Duration("sync-interval", 10*time.Second, "gossip tick interval")
		syncPercent         = flag.Float64("sync-percent", 0.3, "fraction of known peers gossiped with per tick")
		replyTimeout        = flag.Duration("reply-timeout", 10*time.Second, "outbound request timeout")
		checkInterval       = flag.Duration("check-interval", 30*time.Second, "request-timeout and task-retention sweep interval")
	)
	flag.Parse()

	if *nodeName == "" {
		fmt.Fprintln(os.Stderr, "troupnode: -node is required")
		os.Exit(2)
	}

	banner(*nodeName)

	cfg := config.Data{
		NodeName:            *nodeName,
		Host:                *host,
		Port:                *port,
		Neighbours:          splitNonEmpty(*neighbours),
		StorageRoot:         *storageRoot,
		StatsUpdateInterval: *statsUpdateInterval,
		LockPath:            *lockPath,
		LogLevel:            *logLevel,
		MaxWorkers:          *maxWorkers,
		SyncInterval:        *syncInterval,
		SyncPercent:         *syncPercent,
		ReplyTimeout:        *replyTimeout,
		CheckInterval:       *checkInterval,
	}

	n, err := node.New(*nodeName, cfg)
	if err != nil {
		log.Fatalf("troupnode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		log.Fatalf("troupnode: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("troupnode: shutting down…")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := n.Stop(shutCtx); err != nil {
		log.Printf("troupnode: shutdown: %v", err)
	}
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// banner prints a one-line startup identifier, colorized only when stdout
// is a real terminal — matching the teacher's preference for go-isatty
// over a --color flag to decide when ANSI escapes are safe to emit.
func banner(name string) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("\x1b[1;36mtroupnode\x1b[0m %s — node \x1b[1m%s\x1b[0m\n", version, name)
		return
	}
	fmt.Printf("troupnode %s — node %s\n", version, name)
}
