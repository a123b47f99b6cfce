package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/mesh"
	"github.com/immxrtalbeast/meshconf/internal/signaling"
	"github.com/immxrtalbeast/meshconf/internal/webrtc"
	"github.com/immxrtalbeast/meshconf/lib/logger"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const statusInterval = 15 * time.Second

var (
	flagConfig   string
	flagServer   string
	flagRoom     string
	flagUsername string
	flagMedia    string
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless mesh conference participant",
	Long: `peer joins a room on a meshconf relay and holds a WebRTC link to every
other participant. Lines typed on stdin are sent to the room as chat.

Commands on stdin:
  /status   print the connection status of every link
  /quit     leave the room and exit

Examples:
  peer --room room1 --username alice
  peer --server ws://relay.local:8080/ws --room standup --media none`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to config file (defaults to CONFIG_PATH, then environment only)")
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "relay websocket URL")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "display name")
	rootCmd.Flags().StringVarP(&flagMedia, "media", "m", "", "local media source: silence or none")
}

func main() {
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadPath(path)
	} else {
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	if flagRoom != "" {
		cfg.Client.Room = flagRoom
	}
	if flagUsername != "" {
		cfg.Client.Username = flagUsername
	}
	if flagMedia != "" {
		cfg.Client.Media = flagMedia
	}
	if cfg.Client.Room == "" {
		return nil, errors.New("room is required (--room or client.room)")
	}

	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log := logger.Setup(cfg.Env, os.Stderr).With(
		slog.String("room_id", cfg.Client.Room),
		slog.String("username", cfg.Client.Username),
	)

	media, err := webrtc.NewMediaSource(cfg.Client.Media, log)
	if err != nil {
		return err
	}
	defer media.Close()

	factory, err := webrtc.NewFactory(webrtc.Config{
		STUNServers: cfg.WebRTC.STUNServers,
		Logger:      log,
	}, media)
	if err != nil {
		return err
	}

	session := signaling.NewSession(signaling.SessionOptions{
		ServerURL:      cfg.Client.ServerURL,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		Client: signaling.ClientOptions{
			WriteWait:      cfg.Relay.WriteWait,
			PongWait:       cfg.Relay.PongWait,
			PingPeriod:     cfg.Relay.PingPeriod,
			MaxMessageSize: cfg.Relay.MaxMessageSize,
		},
		OnChat: func(from string, msg domain.ChatMessage) {
			fmt.Fprintf(out, "[%s] %s: %s\n", msg.Time, msg.Sender, msg.Content)
			log.Debug("chat received", slog.String("from", from))
		},
		Logger: log,
	})

	coord := mesh.NewCoordinator(factory, session, mesh.Options{
		RecoveryDelay:      cfg.Client.RecoveryDelay,
		StallTimeout:       cfg.Client.StallTimeout,
		NegotiationTimeout: cfg.Client.NegotiationTimeout,
		Media:              media,
		OnStream: func(peerID, streamID string) {
			log.Info("receiving media", slog.String("peer_id", peerID), slog.String("stream_id", streamID))
		},
		Logger: log,
	})
	defer coord.Close()

	if err := coord.Join(cfg.Client.Room, cfg.Client.Username); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go reportStatus(ctx, coord, log)
	go readInput(ctx, cancel, in, out, cfg, session, coord, log)

	err = session.Run(ctx, coord)
	if errors.Is(err, context.Canceled) {
		log.Info("leaving")
		return nil
	}
	return err
}

// readInput turns stdin lines into chat messages until EOF or /quit.
func readInput(
	ctx context.Context,
	cancel context.CancelFunc,
	in io.Reader,
	out io.Writer,
	cfg *config.Config,
	session *signaling.Session,
	coord *mesh.Coordinator,
	log *slog.Logger,
) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			if err := coord.Leave(); err == nil {
				syncCtx, done := context.WithTimeout(ctx, time.Second)
				_ = coord.Sync(syncCtx)
				done()
			}
			cancel()
			return
		case "/status":
			raw, err := json.MarshalIndent(coord.Status(), "", "  ")
			if err != nil {
				log.Error("cannot encode status", sl.Err(err))
				continue
			}
			fmt.Fprintln(out, string(raw))
			continue
		}

		if err := session.SendChat(cfg.Client.Room, cfg.Client.Username, line); err != nil {
			log.Warn("chat not sent", sl.Err(err))
		}
	}
}

func reportStatus(ctx context.Context, coord *mesh.Coordinator, log *slog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := coord.Status()
			log.Info("mesh status",
				slog.String("self_id", st.SelfID),
				slog.Bool("joined", st.Joined),
				slog.Int("participants", len(st.Roster)),
				slog.Int("links", len(st.Links)),
				slog.Int("healthy", st.Healthy()),
			)
		}
	}
}
