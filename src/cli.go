package main

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ryansname/easunbridge/src/pi30"
	"github.com/ryansname/easunbridge/src/serialport"
)

var (
	flagDevice         string
	flagInterval       int
	flagStrictChecksum bool
	flagConsole        bool
	flagLogLevel       string
	flagMetricsAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "easunbridge",
	Short: "EASUN inverter to MQTT bridge",
	Long: `easunbridge polls an EASUN SHM II inverter over its PI30 serial port and
publishes every reading to MQTT, with Home Assistant discovery.

Settings come from the environment (optionally a .env file). Flags override
the environment:
  DEVICE, UPDATE_INTERVAL, STRICT_CHECKSUM, LOG_LEVEL, METRICS_ADDR
  MQTT_HOST, MQTT_PORT, MQTT_USER, MQTT_PASSWORD, MQTT_CLIENT_ID
  MQTT_BASE_TOPIC, MQTT_DISCOVERY_PREFIX`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCommandConfig(cmd)
		if err != nil {
			return err
		}
		return runBridge(cfg)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read the inverter once and print the decoded status as JSON",
	Long: `Open the serial port, send a single QPIGS request and print the decoded
record. Nothing is published to MQTT. Useful for checking wiring and field order.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCommandConfig(cmd)
		if err != nil {
			return err
		}
		return runProbe(cmd, cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDevice, "device", "d", "", "Serial port device (DEVICE)")
	rootCmd.PersistentFlags().BoolVar(&flagStrictChecksum, "strict-checksum", false, "Reject responses with a bad CRC (STRICT_CHECKSUM)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (LOG_LEVEL)")

	rootCmd.Flags().IntVarP(&flagInterval, "interval", "i", 0, "Seconds between polls (UPDATE_INTERVAL)")
	rootCmd.Flags().BoolVar(&flagConsole, "console", false, "Start the interactive console")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (METRICS_ADDR)")

	rootCmd.AddCommand(probeCmd)
}

// loadCommandConfig reads the environment and applies any flags the user set
func loadCommandConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device = flagDevice
	}
	if flags.Changed("interval") {
		cfg.UpdateInterval = time.Duration(flagInterval) * time.Second
	}
	if flags.Changed("strict-checksum") {
		cfg.StrictChecksum = flagStrictChecksum
	}
	if flags.Changed("console") {
		cfg.Console = flagConsole
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}

	if err := setupLogging(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// setupLogging configures the global logrus logger
func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

func runProbe(cmd *cobra.Command, cfg Config) error {
	session, err := serialport.Open(serialport.Config{Path: cfg.Device, BaudRate: cfg.BaudRate})
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	time.Sleep(DefaultSupervisorConfig().SettleDelay)

	raw, err := session.Request(pi30.CommandQPIGS)
	if err != nil {
		return err
	}
	log.Debugf("Raw response: %s", describeRaw(raw))

	payload, err := pi30.ParseResponse(raw, cfg.StrictChecksum)
	if err != nil {
		return err
	}
	record, err := pi30.ParseStatus(payload)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
