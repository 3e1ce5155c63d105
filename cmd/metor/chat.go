package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DerWahreMirakulix/metor/internal/chat"
	"github.com/DerWahreMirakulix/metor/internal/config"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start tor and open the chat prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if a.Config.Transport == config.TransportTor {
			fmt.Println("Starting Tor process (this may take a few seconds)...")
		}
		c, err := a.StartChat(ctx)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.Close(closeCtx) //nolint:errcheck
		}()

		fmt.Printf("Your onion address: %s\n", c.Address)
		out := chat.NewRenderer(os.Stdout, !color.NoColor)
		ctrl := chat.NewController(c.Machine, chat.NewPrompter(), out, a.Log)
		return ctrl.Run(ctx)
	},
}
