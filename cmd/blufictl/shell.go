package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"gopkg.in/abiosoft/ishell.v2"

	"github.com/chaz8081/blufictl/internal/event"
	"github.com/chaz8081/blufictl/internal/provision"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session that prints the event stream as it happens",
		Run: func(cmd *cobra.Command, args []string) {
			c := controller()
			shell := newShell(c)

			sub := c.Subscribe(event.DefaultBuffer)
			go func() {
				for e := range sub.Events() {
					shell.Println(e.String())
				}
			}()
			defer sub.Cancel()

			shell.Run()
		},
	}
}

func newShell(c *provision.Controller) *ishell.Shell {
	shell := ishell.New()
	shell.SetPrompt("blufi> ")
	shell.Println("blufictl interactive shell, type help for commands")

	shell.AddCmd(&ishell.Cmd{
		Name: "scan",
		Help: "scan [filter] [seconds]: discover devices",
		Func: func(ctx *ishell.Context) {
			filter := cfg.Scan.Filter
			duration := cfg.Scan.Duration
			if len(ctx.Args) > 0 {
				filter = ctx.Args[0]
			}
			if len(ctx.Args) > 1 {
				duration = time.Duration(cast.ToInt(ctx.Args[1])) * time.Second
			}
			if !c.Scan(filter) {
				ctx.Println("bluetooth is unavailable")
				return
			}
			time.Sleep(duration)
			c.StopScan()
			for _, d := range c.Devices() {
				ctx.Printf("  %-36s %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "connect <address>: open a link and run the handshake",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) != 1 {
				ctx.Println(ctx.Cmd.HelpText())
				return
			}
			if d, ok := c.Device(ctx.Args[0]); ok {
				ctx.Printf("connecting to %s (%d dBm)\n", d.Name, d.RSSI)
			}
			ok, err := c.Connect(context.Background(), ctx.Args[0])
			switch {
			case err != nil:
				ctx.Println("error:", err)
			case !ok:
				ctx.Println("not connected")
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "close",
		Help: "close the current connection",
		Func: func(ctx *ishell.Context) {
			c.Close()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "negotiate",
		Help: "negotiate an encrypted session",
		Func: func(ctx *ishell.Context) {
			c.NegotiateSecurity()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "configure",
		Help: "configure <ssid> [password]: send station credentials, prompts when the password is omitted",
		Func: func(ctx *ishell.Context) {
			if len(ctx.Args) == 0 {
				ctx.Println(ctx.Cmd.HelpText())
				return
			}
			ssid := ctx.Args[0]
			var password string
			if len(ctx.Args) > 1 {
				password = strings.Join(ctx.Args[1:], " ")
			} else {
				ctx.Print("password: ")
				password = ctx.ReadPassword()
			}
			if err := c.Configure(ssid, password); err != nil {
				ctx.Println("error:", err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "ask the device whether it joined a network",
		Func: func(ctx *ishell.Context) {
			c.RequestStatus()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "wifi",
		Help: "list the networks the device can see",
		Func: func(ctx *ishell.Context) {
			c.RequestWifiScan()
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "show the connection state",
		Func: func(ctx *ishell.Context) {
			ctx.Printf("state=%s secure=%t limit=%d address=%s",
				c.State(), c.Secure(), c.TransportLimit(), c.Address())
			if d, ok := c.Device(c.Address()); ok {
				ctx.Printf(" name=%s", d.Name)
			}
			ctx.Println()
		},
	})

	return shell
}
