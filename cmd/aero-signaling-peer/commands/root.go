// Package commands implements the aero-signaling-peer CLI: a pion peer that
// offers or answers a DataChannel through the signaling relay.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/webrtcpeer"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

type globalOptions struct {
	relayURL      string
	apiKey        string
	logLevel      string
	iceServers    []string
	retryInterval time.Duration

	logger *slog.Logger
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:          "aero-signaling-peer",
		Short:        "WebRTC DataChannel peer that signals through aero-webrtc-signaling-relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.relayURL) == "" {
				return fmt.Errorf("relay url required (--relay-url)")
			}
			level, err := parseLogLevel(g.logLevel)
			if err != nil {
				return err
			}
			g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.relayURL, "relay-url", os.Getenv("AERO_SIGNALING_RELAY_URL"), "relay base URL including any base path (e.g. http://127.0.0.1:8080/signaling/1.0)")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("AERO_SIGNALING_API_KEY"), "API key sent as X-API-Key")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&g.iceServers, "ice-server", []string{defaultSTUN}, "STUN URL (repeatable)")
	root.PersistentFlags().DurationVar(&g.retryInterval, "retry-interval", 0, "fixed polling interval (default: follow the relay's Retry-After)")

	root.AddCommand(offerCmd(g), answerCmd(g))
	return root
}

func (g *globalOptions) signalClient(deviceID string) (*signalclient.Client, error) {
	return signalclient.New(g.relayURL, signalclient.Options{
		Logger:        g.logger,
		APIKey:        g.apiKey,
		DeviceID:      deviceID,
		RetryInterval: g.retryInterval,
	})
}

func (g *globalOptions) peerOptions() webrtcpeer.Options {
	var servers []webrtc.ICEServer
	for _, u := range g.iceServers {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return webrtcpeer.Options{ICEServers: servers, Logger: g.logger}
}

func (g *globalOptions) api() (*webrtc.API, error) {
	return webrtcpeer.NewAPI(webrtcpeer.APIOptions{Logger: g.logger})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", raw)
	}
	return level, nil
}
