//go:build !linux

package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/config"
)

func newAdapter(cfg *config.Config) ble.Adapter {
	if cfg.Adapter == "hci" {
		log.Warn("[BLE] hci adapter is only available on Linux, using the platform default")
	}
	return ble.NewTinyGoAdapter()
}
