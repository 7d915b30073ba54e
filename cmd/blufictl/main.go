package main

import (
	"os"
	"os/signal"
	"syscall"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		// Release the radio before exiting so the peripheral sees a clean
		// disconnect instead of a supervision timeout.
		shutdown()
		os.Exit(130)
	}()

	err := commands().Execute()
	shutdown()
	if err != nil {
		os.Exit(1)
	}
}
