// Roomchat CLI entry point.
//
// Runs one peer of the room protocol over UDP. Rooms are joined, left and
// messaged from an interactive menu, from the local HTTP API, or both. Events
// are streamed to websocket clients of the local feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/roomchat/internal/api"
	"github.com/1ureka/roomchat/internal/config"
	"github.com/1ureka/roomchat/internal/feed"
	"github.com/1ureka/roomchat/internal/node"
	"github.com/1ureka/roomchat/internal/store"
	"github.com/1ureka/roomchat/internal/util"
)

var version = "dev"

const statsInterval = 10 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP address to listen on")
	flag.IntVar(&cfg.BufferSize, "buffer", cfg.BufferSize, "Datagram size limit in bytes")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Maximum concurrent handlers")
	flag.IntVar(&cfg.Tries, "tries", cfg.Tries, "Attempts per reliable send")
	flag.DurationVar(&cfg.MinRTO, "minRto", cfg.MinRTO, "Initial and minimum retransmission timeout")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Peer list database (empty disables persistence)")
	flag.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP API address (empty disables it)")
	flag.StringVar(&cfg.FeedAddr, "feed", cfg.FeedAddr, "WebSocket event feed address (empty disables it)")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	joinFlag := flag.String("join", "", "Peer to join at startup (host:port)")
	roomFlag := flag.Int("room", 0, "Room to join at startup, -128~126")
	headless := flag.Bool("headless", false, "Disable the interactive menu")
	flag.Parse()

	log := util.NewLogger(nil, cfg.Debug)
	if err := cfg.Validate(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Roomchat v%s", version))
	pterm.Println()

	if err := run(ctx, cfg, log, *joinFlag, *roomFlag, *headless); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	log.Info("node stopped")
}

// run wires the node with its persistence, feed and API, and blocks until
// ctx is cancelled or the user quits.
func run(ctx context.Context, cfg config.Config, log *util.Log, join string, room int, headless bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks := notifiers{console{}}

	if cfg.FeedAddr != "" {
		f := feed.New(util.Prefixed(log, "[feed]"))
		addr, err := f.Start(cfg.FeedAddr)
		if err != nil {
			return err
		}
		defer f.Close()
		sinks = append(sinks, f)
		log.Info("event feed on ws://%s/ws?pin=%s", addr, f.PIN())
	}

	n, err := node.New(ctx, cfg, node.Deps{
		Log:      util.Prefixed(log, "[node]"),
		Stats:    util.NewStats(),
		Notifier: sinks,
	})
	if err != nil {
		return err
	}
	defer n.Close()
	log.Info("listening on udp %s", n.Addr())

	if cfg.DBPath != "" {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := n.LoadPeers(ctx, db); err != nil {
			log.Warn("%v", err)
		}
		defer func() {
			// ctx is already cancelled here.
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := n.SavePeers(saveCtx, db); err != nil {
				log.Error("%v", err)
			}
		}()
	}

	if cfg.APIAddr != "" {
		srv := api.NewServer(n, util.Prefixed(log, "[api]"))
		addr, err := srv.Start(cfg.APIAddr)
		if err != nil {
			return err
		}
		defer srv.Stop()
		log.Info("HTTP API on http://%s/api/v1", addr)
	}

	n.Stats().StartReporter(ctx, log, statsInterval)

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	if join != "" {
		go joinAtStartup(ctx, n, log, join, room)
	}

	if !headless {
		go func() {
			runMenu(ctx, n, log)
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
		n.Close()
		return <-done
	case err := <-done:
		return err
	}
}

func joinAtStartup(ctx context.Context, n *node.Node, log util.Logger, raw string, room int) {
	addr, err := netip.ParseAddrPort(raw)
	if err != nil {
		log.Error("invalid -join address %q: %v", raw, err)
		return
	}
	if room < -128 || room > 126 {
		log.Error("invalid -room %d: must be -128~126", room)
		return
	}
	if _, found, err := n.JoinRoom(ctx, addr, int8(room)); err != nil {
		log.Error("%v", err)
	} else {
		pterm.Success.Printfln("joined room %d at %s (%d other members)", room, addr, len(found))
	}
}
