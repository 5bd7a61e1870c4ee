package notify

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/faux123/tuna/internal/config"
)

// Connect opens an auto-reconnecting MQTT client for the configured broker.
func Connect(cfg *config.Config) (mqtt.Client, error) {
	log := ctrl.Log.WithName("mqtt").WithValues("broker", cfg.MQTT.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.MQTT.Broker))
	opts.SetClientID(cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("mqtt connection established", "clientID", cfg.InstanceID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Error(err, "mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)

	log.V(4).Info("connecting to mqtt broker")
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return client, nil
}
