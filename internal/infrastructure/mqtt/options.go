package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// operationTimeout bounds publish, subscribe and unsubscribe round trips.
	operationTimeout = 5 * time.Second

	// disconnectQuiesce is the time to wait for pending operations on disconnect.
	disconnectQuiesce = 250 // milliseconds

	// defaultConnectTimeout and defaultReconnectPeriod replace non-positive
	// values in the broker config.
	defaultConnectTimeout  = 30 * time.Second
	defaultReconnectPeriod = 5 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure legs.
	tlsMinVersion = tls.VersionTLS12
)

// brokerURL maps the configured protocol onto the scheme paho expects.
func brokerURL(cfg config.BrokerConfig) string {
	scheme := "tcp"
	switch cfg.Protocol {
	case config.ProtocolMQTTS:
		scheme = "ssl"
	case config.ProtocolWS:
		scheme = "ws"
	case config.ProtocolWSS:
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

// buildClientOptions creates paho options for one leg.
//
// Paho's own reconnect machinery is disabled: the Connection runs its own
// reconnect loop so that attempts are counted and status stays observable.
// Messages for every subscription are delivered through onMessage.
func buildClientOptions(cfg config.BrokerConfig, onMessage pahomqtt.MessageHandler,
	onLost pahomqtt.ConnectionLostHandler) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(cfg.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}

	opts.SetDefaultPublishHandler(onMessage)
	opts.SetConnectionLostHandler(onLost)

	if cfg.Secure() {
		tlsConfig, err := newTLSConfig(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// newTLSConfig returns a client TLS config. When caFile is set the broker
// certificate is verified against that bundle instead of the system roots.
func newTLSConfig(caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tlsMinVersion,
	}
	if caFile == "" {
		return tlsConfig, nil
	}

	rootPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("parsing CA file %s: no certificates found", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
