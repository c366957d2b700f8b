package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/webrtcpeer"
)

// answer: claim queued offers and echo every message back to the offerer.
func answerCmd(g *globalOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "answer",
		Short: "Claim queued offers and echo DataChannel messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sig, err := g.signalClient("")
			if err != nil {
				return err
			}
			api, err := g.api()
			if err != nil {
				return err
			}
			opts := g.peerOptions()

			for {
				conn, err := webrtcpeer.Accept(ctx, api, sig, opts)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if once {
						return err
					}
					g.logger.Warn("accept failed", "err", err)
					if err := pause(ctx, time.Second); err != nil {
						return nil
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "connected %s\n", conn.ConnectionID)
				if once {
					return echo(ctx, conn)
				}
				go func() {
					if err := echo(ctx, conn); err != nil {
						g.logger.Warn("echo ended", "connection_id", conn.ConnectionID, "err", err)
					}
				}()
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "serve a single connection and exit when it closes")
	return cmd
}

// echo returns nil when the peer closes the channel or ctx ends.
func echo(ctx context.Context, conn *webrtcpeer.Conn) error {
	defer conn.Close()
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, webrtcpeer.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := conn.Send(msg); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
	}
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
