// Package mqtt publishes finished result trees to an MQTT broker so that
// dashboards can follow runs without polling the database. It wraps the
// Eclipse Paho library and supports optional TLS transport.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/evaluation"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// Config holds the parameters required to connect to an MQTT broker and
// publish results below TopicPrefix.
type Config struct {
	BrokerURL   string // e.g., "tcp://127.0.0.1:1883" or "ssl://mqtt.example.com:8883"
	ClientID    string // optional; if empty, a random ID is generated
	TopicPrefix string // e.g., "rtt/results"
	QoS         byte   // 0 or 1
	Username    string // optional
	Password    string // optional
	TLSCAFile   string // optional; path to CA certificate file for TLS verification
}

// Publisher is a publish-only MQTT client. It implements storage.Sink.
type Publisher struct {
	config     Config
	pahoClient paho.Client
}

// NewPublisher validates the configuration and constructs the publisher.
// The TCP connection is not opened until Connect is called.
func NewPublisher(config Config) (*Publisher, error) {
	if config.BrokerURL == "" {
		return nil, errors.New("mqtt: BrokerURL required")
	}
	config.TopicPrefix = strings.Trim(config.TopicPrefix, "/")
	if config.TopicPrefix == "" {
		return nil, errors.New("mqtt: TopicPrefix required")
	}
	if strings.ContainsAny(config.TopicPrefix, "+#") {
		return nil, fmt.Errorf("mqtt: wildcard in topic prefix %q", config.TopicPrefix)
	}
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.QoS > 1 {
		config.QoS = 1
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetKeepAlive(20 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			metrics.SetMQTTConnected(true)
			log.Printf("mqtt: connected to %s", config.BrokerURL)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			metrics.SetMQTTConnected(false)
			if err != nil {
				log.Printf("mqtt: connection lost: %v", err)
			} else {
				log.Printf("mqtt: connection lost (reason unknown)")
			}
		})

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	if isTLSBroker(config.BrokerURL) {
		tlsConfig, err := createMQTTTLSConfig(config)
		if err != nil {
			return nil, fmt.Errorf("mqtt: TLS configuration failed: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return &Publisher{config: config, pahoClient: paho.NewClient(opts)}, nil
}

// isTLSBroker reports whether the broker URL scheme implies a TLS transport.
func isTLSBroker(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "tls://") ||
		strings.HasPrefix(lower, "mqtts://") ||
		strings.HasPrefix(lower, "tcps://")
}

// createMQTTTLSConfig builds a tls.Config from Config.TLSCAFile, falling
// back to the system certificate pool.
func createMQTTTLSConfig(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if config.TLSCAFile != "" {
		caCert, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
		log.Printf("mqtt: using custom CA certificate from %s", config.TLSCAFile)
		return tlsConfig, nil
	}

	systemCAs, err := x509.SystemCertPool()
	if err != nil {
		log.Printf("mqtt: warning, failed to load system CA pool: %v, using empty pool", err)
		systemCAs = x509.NewCertPool()
	}
	tlsConfig.RootCAs = systemCAs
	return tlsConfig, nil
}

func generateClientID() string {
	return "rtt-" + uuid.NewString()
}

// Connect opens the connection and blocks until the broker acknowledges it
// or the connect timeout elapses.
func (p *Publisher) Connect() error {
	if p.pahoClient == nil {
		return errors.New("mqtt: client not initialized")
	}

	token := p.pahoClient.Connect()
	if !token.WaitTimeout(connectTimeout) {
		metrics.SetMQTTConnected(false)
		return errors.New("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		metrics.SetMQTTConnected(false)
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}
	metrics.SetMQTTConnected(true)
	return nil
}

func (p *Publisher) Name() string { return "mqtt" }

// Write publishes one message per test followed by a run summary.
// Every message is attempted; failures are aggregated.
func (p *Publisher) Write(ctx context.Context, result *evaluation.BatteryResult) error {
	base := p.config.TopicPrefix + "/" + topicSegment(result.Battery.String())

	var errs *multierror.Error
	for i := range result.Tests {
		if err := ctx.Err(); err != nil {
			return multierror.Append(errs, err).ErrorOrNil()
		}
		t := &result.Tests[i]
		if err := p.publish(base+"/"+topicSegment(t.Name), newTestMessage(result, t)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := p.publish(base+"/summary", newSummaryMessage(result)); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (p *Publisher) publish(topic string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mqtt: encode %s: %w", topic, err)
	}

	token := p.pahoClient.Publish(topic, p.config.QoS, false, payload)
	switch {
	case !token.WaitTimeout(publishTimeout):
		err = fmt.Errorf("mqtt: publish %s: timeout", topic)
	case token.Error() != nil:
		err = fmt.Errorf("mqtt: publish %s: %w", topic, token.Error())
	}
	metrics.RecordMQTTPublish(err)
	return err
}

// Close disconnects from the broker with a 250 ms quiesce period.
func (p *Publisher) Close() error {
	metrics.SetMQTTConnected(false)

	if p.pahoClient != nil && p.pahoClient.IsConnectionOpen() {
		p.pahoClient.Disconnect(250) // ms
	}
	return nil
}

// topicSegment keeps a name usable as a single topic level.
func topicSegment(name string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
}
