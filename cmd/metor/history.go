package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the connection history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reverse, _ := cmd.Flags().GetBool("reverse")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.History.ReadAll()
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No history.")
			return nil
		}
		for i := range events {
			ev := events[i]
			if reverse {
				ev = events[len(events)-1-i]
			}
			fmt.Println(ev.String())
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the connection history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.History.Clear(); err != nil {
			return err
		}
		fmt.Println("History cleared.")
		return nil
	},
}

func init() {
	historyCmd.Flags().BoolP("reverse", "r", false, "Newest entries first")
	historyCmd.AddCommand(historyClearCmd)
}
