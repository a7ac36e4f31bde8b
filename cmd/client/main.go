package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/client"
	"github.com/voicewire/voicewire/pkg/logging"
	"github.com/voicewire/voicewire/pkg/transport"
	"github.com/voicewire/voicewire/pkg/version"
)

func main() {
	serverAddr := flag.String("server", "", "Server address (host:port)")
	bookmark := flag.String("bookmark", "", "Connect to a saved server by name")
	saveAs := flag.String("save", "", "Save the connection as a bookmark with this name")
	playerID := flag.String("player", "", "Player UUID (random if empty)")
	secretStr := flag.String("secret", "", "Session secret UUID (random if empty; open servers trust it)")
	settingsPath := flag.String("settings", client.DefaultSettingsPath(), "Settings file path")
	listDevices := flag.Bool("list-devices", false, "List audio devices and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *listDevices {
		printDevices()
		return
	}

	settings := client.LoadSettings(*settingsPath)

	bookmarks := client.NewBookmarkStore(client.DefaultBookmarksPath())
	if err := bookmarks.Load(); err != nil {
		slog.Warn("load bookmarks", "err", err)
	}

	addr, player, secret, err := resolveIdentity(settings, bookmarks, *serverAddr, *bookmark, *playerID, *secretStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *saveAs != "" {
		bookmarks.Add(client.Bookmark{
			Name:     *saveAs,
			Addr:     addr,
			PlayerID: player.String(),
			Secret:   secret.String(),
		})
		bookmarks.Touch(*saveAs)
		if err := bookmarks.Save(); err != nil {
			slog.Warn("save bookmarks", "err", err)
		}
	}

	// Start device enumeration while the handshake runs.
	audio.Init()
	defer func() { _ = audio.Terminate() }()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve server address %q: %v\n", addr, err)
		os.Exit(1)
	}

	c, err := client.NewClient(player, secret, settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		os.Exit(1)
	}

	disconnected := make(chan string, 1)
	c.OnConnected = func() {
		slog.Info("connected", "server", addr, "player", player)
	}
	c.OnDisconnected = func(reason string) {
		select {
		case disconnected <- reason:
		default:
		}
	}

	if err := c.Connect(transport.NewUDPSocket(""), udpAddr); err != nil {
		slog.Error("connect", "err", err)
		os.Exit(1)
	}
	slog.Info("connecting", "server", addr, "player", player, "version", version.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.Info("disconnecting...")
		c.Disconnect()
	case reason := <-disconnected:
		slog.Info("session ended", "reason", reason)
	}
}

// resolveIdentity picks the server address and credentials from flags,
// bookmark, and settings, in that order of precedence.
func resolveIdentity(settings *client.Settings, bookmarks *client.BookmarkStore, serverAddr, bookmark, playerID, secretStr string) (string, uuid.UUID, uuid.UUID, error) {
	addr := serverAddr
	player, secret := uuid.Nil, uuid.Nil

	if bookmark != "" {
		b := bookmarks.Find(bookmark)
		if b == nil {
			return "", uuid.Nil, uuid.Nil, fmt.Errorf("unknown bookmark %q", bookmark)
		}
		if addr == "" {
			addr = b.Addr
		}
		if p, err := uuid.Parse(b.PlayerID); err == nil {
			player = p
		}
		if s, err := uuid.Parse(b.Secret); err == nil {
			secret = s
		}
		bookmarks.Touch(bookmark)
		_ = bookmarks.Save()
	}
	if addr == "" {
		addr = settings.ServerAddr
	}
	if addr == "" {
		return "", uuid.Nil, uuid.Nil, fmt.Errorf("no server address: pass -server, -bookmark, or set server_addr in settings")
	}

	if playerID != "" {
		p, err := uuid.Parse(playerID)
		if err != nil {
			return "", uuid.Nil, uuid.Nil, fmt.Errorf("invalid player uuid %q: %v", playerID, err)
		}
		player = p
	}
	if player == uuid.Nil {
		player = uuid.New()
	}

	if secretStr != "" {
		s, err := uuid.Parse(secretStr)
		if err != nil {
			return "", uuid.Nil, uuid.Nil, fmt.Errorf("invalid secret uuid %q: %v", secretStr, err)
		}
		secret = s
	}
	if secret == uuid.Nil {
		secret = uuid.New()
	}

	return addr, player, secret, nil
}

func printDevices() {
	inputs, err := audio.ListInputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list input devices: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Input devices:")
	for _, d := range inputs {
		marker := "  "
		if d.IsDefault {
			marker = "* "
		}
		fmt.Printf("  %s%s (%d ch)\n", marker, d.Name, d.MaxInputs)
	}

	outputs, err := audio.ListOutputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list output devices: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Output devices:")
	for _, d := range outputs {
		marker := "  "
		if d.IsDefault {
			marker = "* "
		}
		fmt.Printf("  %s%s (%d ch)\n", marker, d.Name, d.MaxOutputs)
	}
}
