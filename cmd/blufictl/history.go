package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blufictl/internal/history"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past provisioning attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(limit)
			if err != nil {
				return err
			}
			printHistory(os.Stdout, records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show, 0 for all")

	return cmd
}

func printHistory(out io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no provisioning attempts recorded")
		return
	}
	for _, r := range records {
		fmt.Fprintf(out, "%4d  %s  %-17s  accepted=%-5t joined=%-5t secure=%-5t  %q\n",
			r.ID, r.Time.Local().Format("2006-01-02 15:04:05"), r.Address,
			r.Accepted, r.Joined, r.Secure, r.SSID)
	}
}
