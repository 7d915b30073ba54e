package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chaz8081/blufictl/internal/event"
)

func scanCmd() *cobra.Command {
	var filter string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby provisioning devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("filter") {
				filter = cfg.Scan.Filter
			}
			if duration <= 0 {
				duration = cfg.Scan.Duration
			}

			c := controller()
			w := newWatcher(c.Subscribe(event.DefaultBuffer), os.Stdout)
			if !c.Scan(filter) {
				return errors.New("bluetooth is unavailable")
			}

			w.await(duration, func(event.Event) bool { return false })
			c.StopScan()
			w.await(time.Second, func(e event.Event) bool { return e.Key == event.KeyStopScan })

			devices := c.Devices()
			fmt.Printf("%d devices\n", len(devices))
			for _, d := range devices {
				fmt.Printf("  %-36s %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "case-insensitive name filter (default from config)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "how long to scan (default from config)")

	return cmd
}
