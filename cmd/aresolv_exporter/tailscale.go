package main

import (
	"context"
	"os"

	"github.com/gvb84/aresolv/config"

	log "github.com/sirupsen/logrus"
	"tailscale.com/client/tailscale"
)

// tsDiscover appends every device of the tailnet to the target list.
func tsDiscover(cfg *config.Config) {
	tailscale.I_Acknowledge_This_API_Is_Unstable = true

	client := tailscale.NewClient(*tailnet, tailscale.APIKey(os.Getenv("TS_API_KEY")))

	devices, err := client.Devices(context.Background(), tailscale.DeviceAllFields)
	if err != nil {
		log.Fatal(err)
	}

	for _, dev := range devices {
		cfg.Targets = append(cfg.Targets, config.TargetConfig{Host: dev.Hostname})
	}
}
