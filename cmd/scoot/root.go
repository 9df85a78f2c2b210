package scoot

import (
	"context"
	"fmt"
	"os"

	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/edgeflare/scoot/pkg/broker/mqtt"
	"github.com/edgeflare/scoot/pkg/broker/nats"
	"github.com/edgeflare/scoot/pkg/config"
	"github.com/edgeflare/scoot/pkg/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	v         = config.NewViper("")
	cfg       *config.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "scoot",
	Short: "scoot controls a scooter power relay and stores its telemetry",
	Long: `scoot talks to an electric scooter over a message broker.

The server subcommand sends relay commands and waits for the matching reply,
ingests telemetry into PostgreSQL and serves both over HTTP. The relay
subcommand runs next to the relay and executes those commands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return initConfig(cmd)
	},
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/scoot.yaml)")
	f.StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	f.StringVar(&logFormat, "log-format", "json", "log encoding (json, console)")
	f.String("broker", "", "broker transport (mqtt, nats)")
	f.StringSlice("broker-servers", nil, "broker server URLs, overriding the configured ones")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	v.BindPFlag("broker.kind", f.Lookup("broker"))

	rootCmd.AddCommand(serverCmd, relayCmd, versionCmd)
}

// initConfig reads the config file and environment into cfg and builds the
// logger. Flags bound to v override both.
func initConfig(cmd *cobra.Command) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	servers, err := cmd.Flags().GetStringSlice("broker-servers")
	if err != nil {
		return err
	}
	if len(servers) > 0 {
		v.Set("broker.mqtt.servers", servers)
		v.Set("broker.nats.servers", servers)
	}

	if cfg, err = config.LoadViper(v); err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if logger, err = logging.New(logLevel, logFormat); err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("Using config file", zap.String("path", used))
	}
	return nil
}

// connectBroker opens the configured transport for role.
func connectBroker(ctx context.Context, role string) (broker.Transport, error) {
	switch cfg.Broker.Kind {
	case "nats":
		return nats.Connect(cfg.Broker.NATS, logger)
	default:
		mc, err := cfg.MQTTConfig(role)
		if err != nil {
			return nil, err
		}
		client, err := mqtt.NewClient(mc, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// bindFlags binds viper keys to the named local flags of cmd.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		v.BindPFlag(key, cmd.Flags().Lookup(name))
	}
}
