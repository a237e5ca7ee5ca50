package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/ryansname/easunbridge/src/serialport"
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
// The returned channel is closed once the worker has stopped for good.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) <-chan struct{} {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	done := make(chan struct{})
	go func() {
		defer close(done)
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Errorf("Panic in %s (attempt %d/%d): %v", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Errorf("%s failed after %d retries, shutting down", name, maxRetries)
				cancel()
				return
			}

			log.Printf("%s will retry in %v", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// waitFor blocks until done is closed or the timeout passes
func waitFor(name string, done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("Timed out waiting for %s to stop", name)
	}
}

func runBridge(cfg Config) error {
	log.Println("Starting easunbridge...")
	log.Printf("Device: %s, interval: %v, broker: %s, base topic: %s",
		cfg.Device, cfg.UpdateInterval, cfg.BrokerURL(), cfg.MQTTBaseTopic)

	// ctx ends on a signal, a console Ctrl+C or a worker that keeps panicking
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Println("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(registry)
	if cfg.MetricsAddr != "" {
		SafeGo(ctx, cancel, "metrics-worker", func(ctx context.Context) {
			metricsWorker(ctx, cfg.MetricsAddr, registry)
		})
	}

	catalogue, err := LoadCatalogue()
	if err != nil {
		return err
	}

	// The MQTT side outlives ctx so the final offline message still gets out
	senderCtx, stopSender := context.WithCancel(context.Background())
	defer stopSender()
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()

	topics := Topics{Base: cfg.MQTTBaseTopic, DiscoveryPrefix: cfg.MQTTDiscoveryPrefix}
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

	senderDone := SafeGo(senderCtx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})
	brokerDone := SafeGo(brokerCtx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg, topics, mqttClientChan)
	})

	sender := NewMQTTSender(mqttOutgoingChan, topics, catalogue.Device)

	stopMQTT := func() {
		stopSender()
		waitFor("mqtt-sender-worker", senderDone, 10*time.Second)
		stopBroker()
		waitFor("mqtt-worker", brokerDone, 2*time.Second)
	}

	log.Println("Creating Home Assistant entities...")
	for _, sensor := range catalogue.Sensors {
		sender.PublishDiscovery(sensor)
	}
	log.Printf("%d Home Assistant entities queued", len(catalogue.Sensors))

	dial := func() (DeviceSession, error) {
		return serialport.Open(serialport.Config{Path: cfg.Device, BaudRate: cfg.BaudRate})
	}
	supCfg := DefaultSupervisorConfig()
	supCfg.StrictChecksum = cfg.StrictChecksum
	supervisor := NewSupervisor(supCfg, dial, sender, metrics)

	if err := supervisor.Connect(ctx); err != nil {
		sender.PublishAvailability(AvailabilityOffline, true)
		stopMQTT()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	sender.PublishAvailability(AvailabilityOnline, true)

	var updates chan PollUpdate
	if cfg.Console {
		updates = make(chan PollUpdate, 10)
		SafeGo(ctx, cancel, "console-worker", func(ctx context.Context) {
			consoleWorker(ctx, cancel, updates)
		})
	}

	poller := NewPoller(PollerConfig{
		Interval:       cfg.UpdateInterval,
		StrictChecksum: cfg.StrictChecksum,
	}, supervisor, sender, metrics, updates)
	pollerDone := SafeGo(ctx, cancel, "poller", poller.Run)

	<-ctx.Done()

	// The poller owns the supervisor until it has returned
	<-pollerDone
	sender.PublishAvailability(AvailabilityOffline, true)
	if err := supervisor.Close(); err != nil {
		log.Warnf("Closing serial port: %v", err)
	}
	stopMQTT()

	log.Println("Bridge stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
