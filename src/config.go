package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ryansname/easunbridge/src/serialport"
)

// Config holds everything the bridge needs for its lifetime
type Config struct {
	Device         string
	BaudRate       int
	UpdateInterval time.Duration
	StrictChecksum bool

	MQTTHost            string
	MQTTPort            int
	MQTTUser            string
	MQTTPassword        string
	MQTTClientID        string
	MQTTBaseTopic       string
	MQTTDiscoveryPrefix string

	MetricsAddr string
	LogLevel    string
	Console     bool
}

// LoadConfig reads the environment, after loading an optional .env file
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := Config{
		Device:              envString("DEVICE", "/dev/ttyUSB0"),
		BaudRate:            serialport.BaudRate,
		MQTTHost:            envString("MQTT_HOST", "localhost"),
		MQTTUser:            os.Getenv("MQTT_USER"),
		MQTTPassword:        os.Getenv("MQTT_PASSWORD"),
		MQTTClientID:        envString("MQTT_CLIENT_ID", "easun-bridge-"+uuid.NewString()[:8]),
		MQTTBaseTopic:       envString("MQTT_BASE_TOPIC", "easun_solar"),
		MQTTDiscoveryPrefix: envString("MQTT_DISCOVERY_PREFIX", "homeassistant"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
		LogLevel:            envString("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MQTTPort, err = envInt("MQTT_PORT", 1883); err != nil {
		return cfg, err
	}
	seconds, err := envInt("UPDATE_INTERVAL", 10)
	if err != nil {
		return cfg, err
	}
	cfg.UpdateInterval = time.Duration(seconds) * time.Second
	if cfg.StrictChecksum, err = envBool("STRICT_CHECKSUM", false); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with
func (c Config) Validate() error {
	if c.Device == "" {
		return errors.New("config: DEVICE must not be empty")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("config: update interval must be > 0, got %v", c.UpdateInterval)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("config: MQTT_PORT out of range: %d", c.MQTTPort)
	}
	if c.MQTTBaseTopic == "" {
		return errors.New("config: MQTT_BASE_TOPIC must not be empty")
	}
	return nil
}

// BrokerURL returns the paho broker address
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// HasCredentials reports whether both MQTT username and password are set
func (c Config) HasCredentials() bool {
	return c.MQTTUser != "" && c.MQTTPassword != ""
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}
