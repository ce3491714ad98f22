package main

import (
	"fmt"
	"os"

	"github.com/viktorenciso/EventCentric/config"
	slog "github.com/viktorenciso/EventCentric/log"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var configFile, dumpFile string

var log = slog.S()

var rootCmd = &cobra.Command{
	Use:   "eventcentric",
	Short: "event sourcing node with pull based event replication",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file")
}

func main() {
	defer slog.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func parseConfig() (*config.Config, error) {
	if configFile == "" {
		return nil, errors.New("you should provide a config file path (-c option)")
	}

	c, err := config.Parse(configFile)
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("error parsing configuration file %s", configFile))
	}

	slog.SetDebug(c.Debug)
	return c, nil
}
