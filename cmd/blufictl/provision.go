package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/blufictl/internal/event"
	"github.com/chaz8081/blufictl/internal/history"
	"github.com/chaz8081/blufictl/internal/provision"
)

// provisionJob describes one end-to-end provisioning run.
type provisionJob struct {
	Address  string
	SSID     string
	Password string
	Secure   bool

	Polls        int           // status queries before giving up on the join
	PollInterval time.Duration // pause between status queries
	Wait         time.Duration // bound on each handshake step or command result
}

// connectReady connects and waits for the transport to be ready.
func connectReady(ctx context.Context, c *provision.Controller, w *watcher, address string, wait time.Duration) error {
	ok, err := c.Connect(ctx, address)
	if err != nil {
		return err
	}
	if !ok {
		w.drain()
		return errors.Errorf("could not connect to %s", address)
	}
	if _, err := w.awaitKey(wait, event.KeyGattPrepared); err != nil {
		return errors.Wrap(err, "handshake")
	}
	return nil
}

// runProvision connects, optionally secures the link, sends the station
// credentials and polls until the device reports a station connection. Any
// attempt that got as far as sending credentials is recorded in store.
func runProvision(ctx context.Context, c *provision.Controller, w *watcher, job provisionJob, store *history.Store) (rec history.Record, err error) {
	if err := connectReady(ctx, c, w, job.Address, job.Wait); err != nil {
		return rec, err
	}
	defer func() {
		c.Close()
		w.drain()
	}()

	rec.Address = c.Address()
	rec.SSID = job.SSID

	if job.Secure {
		c.NegotiateSecurity()
		e, err := w.awaitKey(job.Wait, event.KeyNegotiateSecurity)
		if err != nil {
			return rec, errors.Wrap(err, "negotiate security")
		}
		if !e.OK() {
			return rec, errors.New("security negotiation failed")
		}
	}
	rec.Secure = c.Secure()

	if err := c.Configure(job.SSID, job.Password); err != nil {
		return rec, err
	}
	defer func() {
		if store == nil {
			return
		}
		if _, addErr := store.Add(rec); addErr != nil {
			log.WithError(addErr).Warn("[PROVISION] could not record attempt")
		}
	}()

	e, err := w.awaitKey(job.Wait, event.KeyConfigureParams)
	if err != nil {
		return rec, errors.Wrap(err, "configure")
	}
	rec.Accepted = e.OK()
	if !rec.Accepted {
		return rec, errors.New("device rejected the configuration")
	}

	for i := 0; i < job.Polls; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return rec, ctx.Err()
			case <-time.After(job.PollInterval):
			}
		}
		c.RequestStatus()
		e, err := w.awaitKey(job.Wait, event.KeyDeviceStatus)
		if err != nil {
			return rec, errors.Wrap(err, "status")
		}
		if !e.OK() {
			continue
		}
		e, err = w.awaitKey(job.Wait, event.KeyDeviceWifiConnect)
		if err != nil {
			return rec, errors.Wrap(err, "status")
		}
		if e.OK() {
			rec.Joined = true
			return rec, nil
		}
	}
	return rec, errors.Errorf("device did not join %q after %d status queries", job.SSID, job.Polls)
}

func stepWait() time.Duration {
	// Configure is four writes followed by the device's reply.
	return cfg.BluFi.ResponseTimeout + 4*cfg.BluFi.WriteTimeout
}

func provisionCmd() *cobra.Command {
	job := provisionJob{}

	cmd := &cobra.Command{
		Use:   "provision <address>",
		Short: "Send Wi-Fi credentials to a device and wait for it to join",
		Example: "  blufictl provision 24:0A:C4:12:34:56 --ssid Home --password hunter22\n" +
			"  blufictl provision 24:0A:C4:12:34:56 --ssid Home --password hunter22 --secure",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job.Address = args[0]
			if !cmd.Flags().Changed("secure") {
				job.Secure = cfg.BluFi.RequireSecurity
			}
			job.Wait = stepWait()

			store, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			c := controller()
			w := newWatcher(c.Subscribe(event.DefaultBuffer), os.Stdout)
			rec, err := runProvision(cmd.Context(), c, w, job, store)
			if err != nil {
				return err
			}
			fmt.Printf("%s joined %q (secure=%t)\n", rec.Address, rec.SSID, rec.Secure)
			return nil
		},
	}

	cmd.Flags().StringVar(&job.SSID, "ssid", "", "network name")
	cmd.Flags().StringVar(&job.Password, "password", "", "network password, empty for open networks")
	cmd.Flags().BoolVar(&job.Secure, "secure", false, "negotiate an encrypted session before sending credentials")
	cmd.Flags().IntVar(&job.Polls, "polls", 5, "status queries before giving up")
	cmd.Flags().DurationVar(&job.PollInterval, "poll-interval", 2*time.Second, "pause between status queries")
	_ = cmd.MarkFlagRequired("ssid")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <address>",
		Short: "Ask a device whether it is connected to a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := controller()
			w := newWatcher(c.Subscribe(event.DefaultBuffer), os.Stdout)
			joined, err := queryStatus(cmd.Context(), c, w, args[0], stepWait())
			if err != nil {
				return err
			}
			fmt.Printf("station connected: %t\n", joined)
			return nil
		},
	}
}

func queryStatus(ctx context.Context, c *provision.Controller, w *watcher, address string, wait time.Duration) (bool, error) {
	if err := connectReady(ctx, c, w, address, wait); err != nil {
		return false, err
	}
	defer func() {
		c.Close()
		w.drain()
	}()

	c.RequestStatus()
	e, err := w.awaitKey(wait, event.KeyDeviceStatus)
	if err != nil {
		return false, err
	}
	if !e.OK() {
		return false, errors.New("status query failed")
	}
	e, err = w.awaitKey(wait, event.KeyDeviceWifiConnect)
	if err != nil {
		return false, err
	}
	return e.OK(), nil
}

func wifiScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wifi-scan <address>",
		Short: "List the networks a device can see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := controller()
			w := newWatcher(c.Subscribe(event.DefaultBuffer), os.Stdout)
			if err := connectReady(cmd.Context(), c, w, args[0], stepWait()); err != nil {
				return err
			}
			defer func() {
				c.Close()
				w.drain()
			}()

			c.RequestWifiScan()
			nets, err := w.networks(cfg.BluFi.ResponseTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("%d networks\n", len(nets))
			for _, n := range nets {
				fmt.Printf("  %4d dBm  %s\n", n.RSSI, n.SSID)
			}
			return nil
		},
	}
}
