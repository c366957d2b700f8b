package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/webrtcpeer"
)

// offer [message...]: enqueue an offer, wait for an answerer and exchange
// messages over the DataChannel.
func offerCmd(g *globalOptions) *cobra.Command {
	var (
		deviceID       string
		answerAttempts int
		replyTimeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "offer [message...]",
		Short: "Offer a DataChannel and send messages once an answerer connects",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sig, err := g.signalClient(deviceID)
			if err != nil {
				return err
			}
			api, err := g.api()
			if err != nil {
				return err
			}
			opts := g.peerOptions()
			opts.AnswerAttempts = answerAttempts

			conn, err := webrtcpeer.Dial(ctx, api, sig, opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			if len(args) == 0 {
				hostname, _ := os.Hostname()
				args = []string{fmt.Sprintf("connection opened with %s", hostname)}
			}
			for _, msg := range args {
				if err := conn.SendText(msg); err != nil {
					return fmt.Errorf("send: %w", err)
				}
				replyCtx, cancel := contextWithOptionalTimeout(ctx, replyTimeout)
				reply, err := conn.Recv(replyCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("receive reply: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "transcontainer", "device tag stored with the offer")
	cmd.Flags().IntVar(&answerAttempts, "answer-attempts", webrtcpeer.DefaultAnswerAttempts, "answer polls before giving up (negative = until interrupted)")
	cmd.Flags().DurationVar(&replyTimeout, "reply-timeout", 10*time.Second, "how long to wait for each reply (0 = forever)")
	return cmd
}
