package scoot

import (
	"os/signal"
	"syscall"

	"github.com/edgeflare/scoot/pkg/config"
	"github.com/edgeflare/scoot/pkg/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay controller",
	Long: `Listens for power commands on the command topic, drives the relay and
publishes the outcome on the response topic.`,
	RunE: runRelay,
}

func init() {
	f := relayCmd.Flags()
	f.String("actuator", "", "relay actuator (memory, sysfs)")
	f.Int("gpio-pin", 0, "sysfs GPIO pin number")
	f.Bool("gpio-active-low", false, "drive the pin low to open the relay")

	bindFlags(relayCmd, map[string]string{
		"relay.actuator":       "actuator",
		"relay.gpio.pin":       "gpio-pin",
		"relay.gpio.activeLow": "gpio-active-low",
	})
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer logger.Sync()

	actuator := newActuator(cfg.Relay, logger)

	t, err := connectBroker(ctx, "relay")
	if err != nil {
		return err
	}
	defer t.Disconnect()

	ctrl := relay.NewController(actuator, t, relay.Options{
		CommandTopic:  cfg.Topics.Command,
		ResponseTopic: cfg.Topics.Response,
		Logger:        logger,
	})
	if err := ctrl.Start(); err != nil {
		return err
	}
	logger.Info("Relay controller started",
		zap.String("actuator", cfg.Relay.Actuator),
		zap.String("state", string(ctrl.State())))

	<-ctx.Done()
	logger.Info("Shutting down relay controller")
	return nil
}

func newActuator(c config.RelayConfig, logger *zap.Logger) relay.Actuator {
	if c.Actuator == "sysfs" {
		return &relay.SysfsActuator{
			Root:      c.GPIO.Root,
			Pin:       c.GPIO.Pin,
			ActiveLow: c.GPIO.ActiveLow,
		}
	}
	logger.Warn("Using in-memory relay actuator, no hardware will be driven",
		zap.String("actuator", c.Actuator))
	return &relay.MemoryActuator{}
}
