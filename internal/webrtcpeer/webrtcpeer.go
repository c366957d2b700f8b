// Package webrtcpeer establishes pion PeerConnections whose offer/answer
// exchange runs through the signaling relay.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIOptions tunes the pion API shared by every peer of a process.
type APIOptions struct {
	// Net replaces the host network stack. Tests pass a vnet.Net.
	Net transport.Net

	// Logger receives pion's internal log output. Nil disables it.
	Logger *slog.Logger

	// UDPPortMin and UDPPortMax bound the ephemeral ICE ports when both are set.
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs are advertised as host candidates in place of local addresses.
	NAT1To1IPs []string
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := applySettings(&se, opts); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func applySettings(se *webrtc.SettingEngine, opts APIOptions) error {
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}

	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if opts.UDPPortMin == 0 || opts.UDPPortMax < opts.UDPPortMin {
			return fmt.Errorf("invalid udp port range %d-%d", opts.UDPPortMin, opts.UDPPortMax)
		}
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(opts.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(opts.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	return nil
}
