package main

import (
	"os"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/cmd/aero-signaling-peer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
