package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/blufictl/internal/config"
	"github.com/chaz8081/blufictl/internal/provision"
)

var (
	cfgPath     string
	logLevelStr string
	adapterFlag string
	hciIndex    int

	cfg *config.Config

	ctrlMu sync.Mutex
	ctrl   *provision.Controller
)

func commands() *cobra.Command {
	root := &cobra.Command{
		Use:          "blufictl",
		Short:        "blufictl provisions Wi-Fi credentials onto BluFi devices over BLE",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadOrDefault(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("loglevel") {
				cfg.LogLevel = logLevelStr
			}
			if cmd.Flags().Changed("adapter") {
				cfg.Adapter = adapterFlag
			}
			if cmd.Flags().Changed("hci") {
				cfg.HCIIndex = hciIndex
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "config")
			}

			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetOutput(os.Stderr)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultConfigPath(),
		"path to config file")
	root.PersistentFlags().StringVarP(&logLevelStr, "loglevel", "l", "info",
		"log level to use")
	root.PersistentFlags().StringVar(&adapterFlag, "adapter", "default",
		"radio backend: default or hci")
	root.PersistentFlags().IntVarP(&hciIndex, "hci", "i", 0,
		"HCI index for the controller on Linux machine")

	root.AddCommand(scanCmd())
	root.AddCommand(provisionCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(wifiScanCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(shellCmd())
	root.AddCommand(initConfigCmd())

	return root
}

// controller returns the process-wide controller, creating it on first use.
func controller() *provision.Controller {
	ctrlMu.Lock()
	defer ctrlMu.Unlock()
	if ctrl == nil {
		ctrl = provision.New(newAdapter(cfg), controllerOptions(cfg))
	}
	return ctrl
}

func controllerOptions(cfg *config.Config) provision.Options {
	opts := provision.DefaultOptions()
	opts.ConnectTimeout = cfg.Connect.Timeout
	opts.MTU = cfg.Connect.MTU
	opts.RequireSecurity = cfg.BluFi.RequireSecurity
	opts.Client.WriteTimeout = cfg.BluFi.WriteTimeout
	opts.Client.ResponseTimeout = cfg.BluFi.ResponseTimeout
	return opts
}

func shutdown() {
	ctrlMu.Lock()
	c := ctrl
	ctrlMu.Unlock()
	if c != nil {
		c.Shutdown()
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Println("config already exists at", config.DefaultConfigPath())
				return nil
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}
