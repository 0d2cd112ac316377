package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection timing constants.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds

	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 60 * time.Second

	// maxQoS is the highest valid MQTT quality of service level.
	maxQoS = 2
)

// buildClientOptions translates Config into paho client options.
func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(reconnectInitialDelay).
		SetMaxReconnectInterval(reconnectMaxDelay).
		SetOrderMatters(false).
		SetCleanSession(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.Will != nil {
		opts.SetWill(cfg.Will.Topic, cfg.Will.OfflinePayload, byte(cfg.QoS), true)
	}

	return opts
}
