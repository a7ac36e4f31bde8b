package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/crypto"
	"github.com/voicewire/voicewire/pkg/datastore"
	"github.com/voicewire/voicewire/pkg/logging"
	"github.com/voicewire/voicewire/pkg/server"
	"github.com/voicewire/voicewire/pkg/transport"
	"github.com/voicewire/voicewire/pkg/version"
)

func main() {
	configPath := flag.String("config", "server.yaml", "Config file path")
	bindAddr := flag.String("bind", "", "UDP bind address (overrides config)")
	open := flag.Bool("open", false, "Accept unknown players on first contact (overrides config)")
	dbPath := flag.String("db", "", "SQLite player ledger path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames()+" (overrides config)")
	logFormat := flag.String("log-format", "", "Log format: text or json (overrides config)")

	// Admin actions (run and exit)
	listPlayers := flag.Bool("list-players", false, "List every player in the ledger and exit")
	mutePlayer := flag.String("mute", "", "Mute a player by UUID and exit")
	unmutePlayer := flag.String("unmute", "", "Unmute a player by UUID and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *open {
		cfg.OpenRegistration = true
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	var store *datastore.Store
	if cfg.DBPath != "" {
		store, err = datastore.Open(cfg.DBPath)
		if err != nil {
			slog.Error("open ledger", "err", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
	}

	if *listPlayers || *mutePlayer != "" || *unmutePlayer != "" {
		if store == nil {
			fmt.Fprintln(os.Stderr, "admin actions need a ledger (set db_path)")
			os.Exit(1)
		}
		runAdminAction(store, *listPlayers, *mutePlayer, *unmutePlayer)
		return
	}

	var ledger server.Ledger
	if store != nil {
		ledger = store
	}
	suite, _ := crypto.ParseSuite(cfg.CipherSuite) // validated above
	srv, err := server.New(server.Options{
		Socket:            transport.NewUDPSocket(cfg.BindAddr),
		Suite:             suite,
		KeepAliveInterval: time.Duration(cfg.KeepAlive) * time.Millisecond,
		OpenRegistration:  cfg.OpenRegistration,
		Ledger:            ledger,
	})
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	slog.Info("voicewire server running",
		"version", version.String(),
		"addr", cfg.BindAddr,
		"open_registration", cfg.OpenRegistration,
	)

	done := make(chan struct{})
	if cfg.MetricsLogInterval > 0 {
		srv.Metrics().StartPeriodicLog(time.Duration(cfg.MetricsLogInterval)*time.Second, done)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	close(done)
	_ = srv.Close()
	srv.Metrics().LogSummary()
}

func runAdminAction(store *datastore.Store, list bool, mute, unmute string) {
	if list {
		players, err := store.ListPlayers()
		if err != nil {
			slog.Error("list players", "err", err)
			os.Exit(1)
		}
		for _, p := range players {
			muted := ""
			if p.Muted {
				muted = " [muted]"
			}
			fmt.Printf("%s  %-20s last seen %s%s\n", p.ID, p.Name, p.LastSeen.Format(time.RFC3339), muted)
		}
		return
	}

	target, muted := mute, true
	if unmute != "" {
		target, muted = unmute, false
	}
	id, err := uuid.Parse(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid player uuid %q: %v\n", target, err)
		os.Exit(1)
	}
	if err := store.SetMuted(id, muted); err != nil {
		slog.Error("set muted", "player", id, "err", err)
		os.Exit(1)
	}
	fmt.Printf("player %s muted=%v\n", id, muted)
}
