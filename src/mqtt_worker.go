package main

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// mqttWorker manages the MQTT connection and hands every (re)connected client to the sender worker
func mqttWorker(
	ctx context.Context,
	cfg Config,
	topics Topics,
	clientChan chan<- mqtt.Client,
) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.HasCredentials() {
		opts.SetUsername(cfg.MQTTUser)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	// Consumers see the bridge as offline if it dies without saying goodbye
	opts.SetWill(topics.Status(), string(AvailabilityOffline), 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s", cfg.BrokerURL())

		select {
		case clientChan <- client:
			log.Println("Sent new MQTT client to sender worker")
		case <-ctx.Done():
		}
	})

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...", cfg.BrokerURL())
	token := client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
			return
		}
	case <-ctx.Done():
	}

	// Keep worker alive until context is done
	<-ctx.Done()

	// Also stops a connect retry still in progress
	wasOpen := client.IsConnectionOpen()
	client.Disconnect(250)
	if wasOpen {
		log.Println("Disconnected from MQTT broker")
	}
}
