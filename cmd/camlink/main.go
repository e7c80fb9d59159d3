// camlink CLI entry point.
//
// camlink turns a machine with a camera into a monitor that streams live
// audio and video to a remote viewer over WebRTC. Signaling runs over a
// WebSocket served by the monitor; media flows peer to peer.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -listen, -pin, -device, -url, -out).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/pterm/pterm"

	"github.com/1ureka/camlink/internal/call"
	"github.com/1ureka/camlink/internal/config"
	"github.com/1ureka/camlink/internal/engine"
	"github.com/1ureka/camlink/internal/engine/pionengine"
	"github.com/1ureka/camlink/internal/events"
	"github.com/1ureka/camlink/internal/lifecycle"
	"github.com/1ureka/camlink/internal/monitor"
	"github.com/1ureka/camlink/internal/signaling"
	"github.com/1ureka/camlink/internal/util"
)

var version = "dev"

const pinLength = 6

// deviceFlags collects repeated -device flags.
type deviceFlags []config.DeviceSpec

func (d *deviceFlags) String() string {
	var parts []string
	for _, s := range *d {
		parts = append(parts, s.Facing+":"+s.VideoFile)
	}
	return strings.Join(parts, ",")
}

func (d *deviceFlags) Set(raw string) error {
	spec, err := config.ParseDeviceSpec(raw)
	if err != nil {
		return err
	}
	*d = append(*d, spec)
	return nil
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var devices deviceFlags
	role := flag.String("role", "", "Role: monitor or viewer")
	listen := flag.String("listen", ":0", "Signaling server listen address (monitor only)")
	pin := flag.String("pin", "", "Pairing PIN (monitor: generated when empty)")
	flag.Var(&devices, "device", "Capture device as facing:video.ivf[:audio.ogg], repeatable (monitor only)")
	wsURL := flag.String("url", "", "Signaling server URL (viewer only)")
	out := flag.String("out", "recording.ivf", "File the received video is recorded to (viewer only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	traceMode := flag.Bool("trace", false, "Enable trace logging, including pion internals")
	flag.Parse()

	switch {
	case *traceMode:
		util.EnableTrace()
	case *debugMode:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("camlink v%s", version))
	pterm.Println()

	cfg := config.Config{
		Role:       config.Role(*role),
		Capture:    config.DefaultCapture(),
		ICEServers: config.DefaultSTUNServers,
		Devices:    devices,
		ListenAddr: *listen,
		PIN:        *pin,
		URL:        *wsURL,
		OutputFile: *out,
	}

	var err error
	switch cfg.Role {
	case "":
		// No -role flag, interactive mode.
		err = runInteractive(ctx, cfg)

	case config.RoleMonitor:
		if len(cfg.Devices) == 0 {
			util.LogError("missing -device for monitor role")
			os.Exit(1)
		}
		if cfg.PIN == "" {
			cfg.PIN = signaling.GeneratePIN(pinLength)
		}
		err = runMonitor(ctx, cfg)

	case config.RoleViewer:
		if err := validateURL(cfg.URL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		if cfg.PIN == "" {
			util.LogError("missing -pin for viewer role")
			os.Exit(1)
		}
		err = runViewer(ctx, cfg)

	default:
		util.LogError("invalid -role: must be 'monitor' or 'viewer'")
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed camlink")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and its parameters when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Monitor - Stream this camera", "Viewer  - Watch a monitor"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Monitor") {
		cfg.Role = config.RoleMonitor
		cfg.Devices = []config.DeviceSpec{askDevice()}
		cfg.PIN = signaling.GeneratePIN(pinLength)
		return runMonitor(ctx, cfg)
	}

	cfg.Role = config.RoleViewer
	cfg.URL = askURL()
	cfg.PIN = askText("Pairing PIN shown by the monitor")
	return runViewer(ctx, cfg)
}

// runMonitor opens the camera, serves the signaling endpoint and answers
// viewers until ctx is cancelled.
func runMonitor(ctx context.Context, cfg config.Config) error {
	srv := signaling.NewServer(cfg.PIN)
	addr, err := srv.Listen(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer srv.Close()

	pterm.DefaultBox.WithTitle("Signaling Server").Println(
		fmt.Sprintf("Address : %s\nPath    : %s\nPIN     : %s", addr, signaling.Path, cfg.PIN))
	pterm.Println()

	relay := monitor.NewRelay()
	orch := call.NewOrchestrator(engineFactory(cfg), relay)
	defer orch.Close()

	if err := orch.BeginCapturing(ctx, cfg.Capture); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	if err := orch.AttachRenderer(&preview{}); err != nil {
		return err
	}
	go logStates(ctx, orch.SubscribeState())

	util.StartStatsReporter(ctx)
	util.LogSuccess("camera running, waiting for a viewer")

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return monitor.New(orch, relay, cfg.PIN).Run(ctx, srv)
}

// runViewer connects to a monitor and records its video until the call ends
// or ctx is cancelled.
func runViewer(ctx context.Context, cfg config.Config) error {
	var sink engine.RTPSink
	if cfg.OutputFile != "" {
		rec, err := pionengine.NewRecorder(cfg.OutputFile)
		if err != nil {
			return err
		}
		defer rec.Close()
		sink = rec
	}

	ch, err := signaling.Dial(ctx, cfg.URL, cfg.PIN)
	if err != nil {
		return err
	}
	defer ch.Close()
	util.LogInfo("connected to monitor at %s", cfg.URL)

	newFactory := engineFactory(cfg)
	ctrl := lifecycle.NewController(func() lifecycle.Call {
		return call.NewViewer(newFactory, cfg.PIN)
	})
	defer ctrl.Close()

	ended := make(chan call.State, 1)
	err = ctrl.StartCall(ctx, sink, ch, func(s call.State) {
		if s == call.StateConnected {
			util.LogSuccess("P2P media connection established, recording to %s", cfg.OutputFile)
		}
		if s.Terminal() {
			select {
			case ended <- s:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	util.StartStatsReporter(ctx)

	select {
	case <-ctx.Done():
		return nil
	case s := <-ended:
		if s == call.StateFailed {
			return errors.New("call failed")
		}
		return nil
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func engineFactory(cfg config.Config) call.FactoryFunc {
	return func() (engine.Factory, error) {
		f, err := pionengine.NewFactory(cfg.ICEServers, cfg.Devices)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

func logStates(ctx context.Context, sub *events.Subscription[call.State]) {
	defer sub.Cancel()
	for {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return
			}
			switch s {
			case call.StateConnected:
				util.LogSuccess("viewer connected, streaming")
			case call.StateDisconnected, call.StateFailed:
				util.LogWarning("viewer call %s, camera stays on", s)
			}
		case <-ctx.Done():
			return
		}
	}
}

// preview is the local renderer of the monitor. A terminal has no video
// surface, so it only confirms that frames flow.
type preview struct {
	frames atomic.Int64
}

func (p *preview) WriteFrame(engine.Frame) error {
	if p.frames.Add(1) == 1 {
		util.LogInfo("camera preview: first frame captured")
	}
	return nil
}

// validateURL checks that raw is a usable signaling URL.
func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid signaling URL: %q", raw)
	}
	return nil
}

// askText prompts until a non-empty answer is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if s := strings.TrimSpace(raw); s != "" {
			pterm.Println()
			return s
		}

		util.LogWarning("invalid input: value must not be empty")
		pterm.Println()
	}
}

// askDevice prompts for a capture device until a valid one is entered.
func askDevice() config.DeviceSpec {
	for {
		raw := askText("Capture device (facing:video.ivf[:audio.ogg], e.g. back:cam.ivf)")
		spec, err := config.ParseDeviceSpec(raw)
		if err == nil {
			return spec
		}
		util.LogWarning("%v", err)
	}
}

// askURL prompts the user for a valid signaling URL until one is entered.
func askURL() string {
	for {
		raw := askText("Signaling URL (e.g. ws://192.168.1.20:8080)")
		if err := validateURL(raw); err == nil {
			return strings.TrimSpace(raw)
		}
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
