package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Operator CLI for the ML job scheduler",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "scheduler API address")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newQueueCmd(),
		newOwnerHealthCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
