package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	// opTimeout bounds one publish or subscribe acknowledgement.
	opTimeout = 5 * time.Second
	// quiesceMillis is what Disconnect waits for in-flight work.
	quiesceMillis = 1000
	keepAlive     = 60 * time.Second
	maxQoS        = 2
)

// brokerURL returns tcp://host:port, or ssl:// when TLS is on.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// dialOptions translates the configuration into paho options. The will
// marks the flasher offline if the connection drops without Close.
func dialOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	will := newStatus(cfg.Broker.ClientID, statusOffline, reasonUnexpected)
	opts.SetBinaryWill(Topics{}.SystemStatus(), will.encode(), 1, true)
	return opts
}

// await waits for a paho token and wraps a timeout or failure in sentinel.
func await(token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
