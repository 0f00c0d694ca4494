package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"carecall/native/internal/api"
	"carecall/native/internal/call"
	"carecall/native/internal/config"
	"carecall/native/internal/domain"
	"carecall/native/internal/logging"
	"carecall/native/internal/media"
	sigclient "carecall/native/internal/signal"
	"carecall/native/internal/webrtc"

	"github.com/pion/rtp"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
)

const helpText = `carecall - Join a two-party audio/video call

Usage:
  carecall [options]

Environment Variables:
  CARECALL_SIGNAL_URL           Signaling relay websocket URL (required)
  CARECALL_SESSION              Session id (prompted when empty)
  CARECALL_PARTICIPANT          Local participant id (prompted when empty)
  CARECALL_REMOTE               Remote participant id (prompted when empty)
  CARECALL_ROLE                 caller or callee (default caller)
  CARECALL_MEDIA                Kinds to capture (default audio,video)
  CARECALL_ICE_SERVERS          Comma separated STUN/TURN URLs
  CARECALL_ICE_FILE             TOML file with [[ice_servers]] entries
  CARECALL_NEGOTIATION_TIMEOUT  Default 30s
  CARECALL_RECONNECT_TIMEOUT    Default 15s
  CARECALL_LOG_LEVEL            trace, debug, info, warn, error

During the call:
  a  toggle microphone
  v  toggle camera
  s  toggle screen share
  q  hang up

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.LogLevel)

	askMissing(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// Step 1: ICE servers, from config or from the relay
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = fetchICE(ctx, cfg, log)
	}

	// Step 2: Signaling connection
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := sigclient.Dial(dialCtx, sigclient.ClientConfig{URL: cfg.SignalURL, Logger: log})
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("dial signaling relay")
	}
	defer client.Close()

	// Step 3: Media source and call session
	source := media.NewSource(media.SourceConfig{
		Session: cfg.SessionID,
		Driver:  &media.Synthetic{},
		Devices: media.NewDevices(),
		Logger:  log,
	})
	session, err := call.New(call.Config{
		Session:            cfg.SessionID,
		Local:              cfg.Participant,
		Remote:             cfg.Remote,
		Role:               cfg.Role,
		Transport:          client.Channel(),
		Media:              source,
		NewPeer:            webrtc.Factory(webrtc.PeerConfig{Logger: log}),
		ICEServers:         cfg.ICEServers,
		NegotiationTimeout: cfg.NegotiationTimeout,
		ReconnectTimeout:   cfg.ReconnectTimeout,
		Logger:             log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create call")
	}
	session.Subscribe(render(log))

	// Step 4: Start and wait
	pterm.Info.Printfln("Joining session %s as %s (%s), calling %s", cfg.SessionID, cfg.Participant, cfg.Role, cfg.Remote)
	if err := session.Start(cfg.Media...); err != nil {
		log.Fatal().Err(err).Msg("start call")
	}
	go readCommands(ctx, session, cancel)

	select {
	case <-ctx.Done():
	case <-session.Done():
	}
	session.End()
	pterm.Info.Println("Call ended")
}

func askMissing(cfg *config.Config) {
	ask := func(prompt string) string {
		for {
			raw, _ := pterm.DefaultInteractiveTextInput.
				WithDefaultText(prompt).
				Show()
			pterm.Println()
			if v := strings.TrimSpace(raw); v != "" {
				return v
			}
			pterm.Warning.Println("a value is required")
		}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = domain.SessionID(ask("Session id"))
	}
	if cfg.Participant == "" {
		cfg.Participant = domain.ParticipantID(ask("Your participant id"))
	}
	if cfg.Remote == "" {
		cfg.Remote = domain.ParticipantID(ask("Remote participant id"))
	}
}

func fetchICE(ctx context.Context, cfg *config.Config, log zerolog.Logger) []domain.ICEServer {
	base, err := api.BaseURLFromSignal(cfg.SignalURL)
	if err != nil {
		log.Warn().Err(err).Msg("cannot derive relay API url")
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	servers, err := api.NewClient(base).FetchICEServers(fetchCtx, cfg.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("fetch ICE servers, continuing with host candidates only")
		return nil
	}
	log.Info().Int("servers", len(servers)).Msg("ICE servers from relay")
	return servers
}

func render(log zerolog.Logger) func(domain.Event) {
	return func(ev domain.Event) {
		switch ev.Type {
		case domain.EventStateChanged:
			switch ev.State {
			case domain.StateConnected:
				pterm.Success.Printfln("Connected (%d remote tracks)", len(ev.RemoteTracks))
			case domain.StateFailed:
				pterm.Error.Println("Call failed")
			case domain.StateReconnecting:
				pterm.Warning.Println("Connection interrupted, reconnecting")
			default:
				pterm.Info.Println(ev.State.String())
			}
		case domain.EventRemoteTrackAvailable:
			if ev.Track != nil {
				pterm.Success.Printfln("Receiving remote %s", ev.Track.Kind)
				go consume(*ev.Track, log)
			}
		case domain.EventError:
			if ev.Err != nil {
				pterm.Warning.Println(ev.Err.Error())
			}
		}
	}
}

// consume reads a remote track to its end and logs packet counts.
func consume(t domain.RemoteTrack, log zerolog.Logger) {
	var packets, bytes atomic.Int64
	err := webrtc.ReadRemote(t, func(p *rtp.Packet) {
		if packets.Add(1)%500 == 0 {
			log.Debug().Str("kind", string(t.Kind)).Int64("packets", packets.Load()).Int64("bytes", bytes.Load()).Msg("remote media")
		}
		bytes.Add(int64(len(p.Payload)))
	})
	log.Debug().Err(err).Str("track", t.ID).Int64("packets", packets.Load()).Msg("remote track ended")
}

func readCommands(ctx context.Context, s *call.Session, hangup context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "a":
			report("Microphone", s.ToggleAudio)
		case "v":
			report("Camera", s.ToggleVideo)
		case "s":
			report("Screen share", func() (bool, error) { return s.ToggleScreenShare(ctx) })
		case "q":
			hangup()
			return
		case "":
		default:
			pterm.Warning.Println("commands: a, v, s, q")
		}
	}
}

func report(what string, toggle func() (bool, error)) {
	on, err := toggle()
	if err != nil {
		pterm.Error.Printfln("%s: %v", what, err)
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	pterm.Info.Printfln("%s %s", what, state)
}
