package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/DerWahreMirakulix/metor/internal/app"
	"github.com/DerWahreMirakulix/metor/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "metor",
	Short: "One-to-one anonymous chat over Tor.",
	Long: `metor - one-to-one anonymous chat over Tor hidden services.

Each instance publishes a persistent onion address, accepts one chat at a
time and can dial out to a peer's address. Every connection, rejection and
disconnect is kept in a local history.`,
	SilenceUsage: true,
}

var dataDir string

// openApp loads the configuration for the --data directory and opens the
// stores under it.
func openApp() (*app.App, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory (default "+config.DefaultDataDir()+", or $METOR_DATA)")
	rootCmd.AddCommand(chatCmd, addressCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
