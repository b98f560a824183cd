// Meshtenna — CLI entry point.
//
// This tool tunnels one Lightning peer connection across a mesh radio
// link. The MESH side runs next to the off-grid payment node; the
// GATEWAY side runs on an internet-connected machine and bridges to
// the remote peer. Both run the identical tunnel stack; only the
// socket wiring differs.
//
// It can be launched interactively (no flags) or non-interactively
// via CLI flags (-role, -listen/-connect, -link, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/meshtenna/meshtenna/internal/config"
	"github.com/meshtenna/meshtenna/internal/link"
	"github.com/meshtenna/meshtenna/internal/link/rtclink"
	"github.com/meshtenna/meshtenna/internal/link/serialradio"
	"github.com/meshtenna/meshtenna/internal/tunnel"
	"github.com/meshtenna/meshtenna/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	role := flag.String("role", "", "Role: mesh or gateway")
	listenAddr := flag.String("listen", "", "Accept the bridged TCP connection on this address")
	connectAddr := flag.String("connect", "", "Dial the bridged TCP connection to this address")
	linkKind := flag.String("link", string(cfg.Link), "Radio link adapter: serial or rtc")
	device := flag.String("device", "", "Serial device path, e.g. /dev/ttyUSB0")
	baud := flag.Int("baud", cfg.Baud, "Serial baud rate")
	wsURL := flag.String("wsUrl", "", "Signaling WebSocket URL to dial (rtc link, answerer side)")
	wsAddr := flag.String("wsAddr", "", "Signaling WebSocket listen address (rtc link, offerer side)")
	noLimit := flag.Bool("noRateLimit", false, "Disable the mesh duty-cycle send limiter")
	payload := flag.Int("payload", cfg.MaxPayload, "Maximum stream bytes per frame")
	retransmit := flag.Duration("retransmit", cfg.RetransmitInterval, "Retransmission interval for unacked frames")
	retries := flag.Int("retries", cfg.MaxRetries, "Retransmissions per frame before resynchronizing")
	depth := flag.Int("depth", cfg.ReassemblyDepth, "Out-of-order frames held before overflow")
	resyncs := flag.Int("resyncAttempts", cfg.ResyncAttempts, "Resync marker attempts before giving up")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshtenna — v%s", version))
	pterm.Println()

	cfg.Link = config.LinkKind(*linkKind)
	cfg.Device = *device
	cfg.Baud = *baud
	cfg.WSURL = *wsURL
	cfg.WSAddr = *wsAddr
	cfg.RateLimit = !*noLimit
	cfg.MaxPayload = *payload
	cfg.RetransmitInterval = *retransmit
	cfg.MaxRetries = *retries
	cfg.ReassemblyDepth = *depth
	cfg.ResyncAttempts = *resyncs

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)
		return

	case string(config.RoleMesh):
		cfg.Role = config.RoleMesh
	case string(config.RoleGateway):
		cfg.Role = config.RoleGateway
	default:
		util.LogError("invalid -role: must be 'mesh' or 'gateway'")
		os.Exit(1)
	}

	switch {
	case *listenAddr != "" && *connectAddr != "":
		util.LogError("-listen and -connect are mutually exclusive")
		os.Exit(1)
	case *connectAddr != "":
		cfg.SocketMode = config.SocketDial
		cfg.SocketAddr = *connectAddr
	case *listenAddr != "":
		cfg.SocketMode = config.SocketListen
		cfg.SocketAddr = *listenAddr
	}

	if err := validate(cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	run(ctx, cfg)
}

// validate rejects configurations the tunnel cannot run with.
func validate(cfg config.Config) error {
	if cfg.MaxPayload < 1 {
		return fmt.Errorf("invalid -payload %d: must be at least 1", cfg.MaxPayload)
	}
	if cfg.RetransmitInterval < 100*time.Millisecond {
		return fmt.Errorf("invalid -retransmit %v: below 100ms the radio never settles", cfg.RetransmitInterval)
	}
	switch cfg.Link {
	case config.LinkSerial:
		if cfg.Device == "" {
			return fmt.Errorf("missing -device for the serial link")
		}
	case config.LinkRTC:
		if cfg.WSURL == "" && cfg.WSAddr == "" {
			return fmt.Errorf("rtc link needs -wsUrl (dial) or -wsAddr (serve)")
		}
	default:
		return fmt.Errorf("invalid -link %q: must be 'serial' or 'rtc'", cfg.Link)
	}
	return nil
}

// run builds the link adapter and drives the tunnel endpoint until it
// stops.
func run(ctx context.Context, cfg config.Config) {
	tracker := link.NewTracker()

	var lnk link.Link
	switch cfg.Link {
	case config.LinkSerial:
		lnk = serialradio.New(cfg, tracker)
	case config.LinkRTC:
		lnk = rtclink.New(cfg, tracker)
	}
	defer lnk.Close()

	util.StartStatsReporter(ctx)

	ep := tunnel.New(cfg, lnk, tracker)
	if err := ep.Run(ctx); err != nil && ctx.Err() == nil {
		util.LogError("tunnel stopped: %v", err)
		os.Exit(1)
	}

	util.LogInfo("tunnel shut down cleanly")
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no -role flag is provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Mesh    — off-grid side, next to the payment node",
			"Gateway — internet side, bridges to the remote peer",
		}).
		WithDefaultText("Select this endpoint's role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Mesh") {
		cfg.Role = config.RoleMesh
	} else {
		cfg.Role = config.RoleGateway
	}

	if cfg.Role == config.RoleMesh {
		cfg.SocketMode = config.SocketListen
		cfg.SocketAddr = askText("Listen address for the payment node", cfg.SocketAddr)
	} else {
		cfg.SocketMode = config.SocketDial
		cfg.SocketAddr = askText("Remote peer TCP address", "")
	}

	linkChoice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Serial mesh radio", "WebRTC development link"}).
		WithDefaultText("Select the radio link").
		Show()
	pterm.Println()

	if strings.HasPrefix(linkChoice, "Serial") {
		cfg.Link = config.LinkSerial
		cfg.Device = askText("Serial device path", "/dev/ttyUSB0")
	} else {
		cfg.Link = config.LinkRTC
		if cfg.Role == config.RoleGateway {
			cfg.WSAddr = askText("Signaling listen address", ":0")
		} else {
			cfg.WSURL = askText("Signaling WebSocket URL", "")
		}
	}

	if err := validate(cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	run(ctx, cfg)
}

// askText prompts for a string value until a non-empty one is entered.
func askText(prompt, def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultValue(def).
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("a value is required")
		pterm.Println()
	}
}
