//go:build linux

package main

import (
	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/config"
)

func newAdapter(cfg *config.Config) ble.Adapter {
	if cfg.Adapter == "hci" {
		return ble.NewHCIAdapter(cfg.HCIIndex)
	}
	return ble.NewTinyGoAdapter()
}
