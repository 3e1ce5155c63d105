package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/DerWahreMirakulix/metor/internal/tor"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Show or replace the local onion address",
}

var addressShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current onion address",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		addr, err := a.Addresses().Address()
		if errors.Is(err, tor.ErrNoAddress) {
			fmt.Println("No onion address yet. Run 'metor address generate' or start a chat.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Current onion address: %s\n", addr)
		return nil
	},
}

var addressGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Replace the onion address with a new one (not while a chat runs)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		fmt.Println("Generating a new onion address (this may take a few seconds)...")
		addr, err := a.GenerateAddress(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("New onion address: %s\n", addr)
		return nil
	},
}

func init() {
	addressCmd.AddCommand(addressShowCmd, addressGenerateCmd)
}
