package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// TLSOptions holds TLS configuration that can be decoded from the config file.
type TLSOptions struct {
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
	ServerName         string `mapstructure:"serverName"`
	CAFile             string `mapstructure:"caFile"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
}

// Config is the MQTT transport configuration.
type Config struct {
	TLS                  *TLSOptions   `mapstructure:"tls"`
	Servers              []string      `mapstructure:"servers"`
	ClientID             string        `mapstructure:"clientID"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	KeepAlive            time.Duration `mapstructure:"keepAlive"`
	ConnectTimeout       time.Duration `mapstructure:"connectTimeout"`
	PublishTimeout       time.Duration `mapstructure:"publishTimeout"`
	MaxReconnectInterval time.Duration `mapstructure:"maxReconnectInterval"`
	ConnectRetries       uint64        `mapstructure:"connectRetries"`
	// CleanSession=false lets the broker redeliver unacknowledged QoS 1
	// messages when the session resumes.
	CleanSession bool `mapstructure:"cleanSession"`
	OrderMatters bool `mapstructure:"orderMatters"`
}

// Defaults applied to zero-valued fields.
const (
	DefaultBroker         = "tcp://127.0.0.1:1883"
	DefaultKeepAlive      = 20 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultConnectRetries = 5
)

// ErrClientIDRequired means a persistent session was requested without a
// client id. The broker keys sessions by client id, so a fresh id on every
// start would never resume the session holding unacknowledged messages.
var ErrClientIDRequired = errors.New("mqtt: clientID is required when cleanSession is false")

// StableClientID derives a client id that is the same across restarts of
// the given role on this host, e.g. "scoot-server-pi4".
func StableClientID(role string) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("mqtt: derive client id: %w", err)
	}
	id := "scoot-" + role + "-" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, host)
	return id, nil
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{DefaultBroker}
	}
	if c.ClientID == "" && c.CleanSession {
		c.ClientID = "scoot-" + uuid.NewString()[:8]
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = DefaultConnectRetries
	}
}

// toPahoOptions converts Config into paho client options. Connection
// callbacks are installed by the Client.
func toPahoOptions(cfg Config) (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()

	for _, server := range cfg.Servers {
		u, err := url.Parse(server)
		if err != nil {
			return nil, fmt.Errorf("failed to parse server URL %s: %w", server, err)
		}
		pahoOpts.AddBroker(u.String())
	}

	pahoOpts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		pahoOpts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		pahoOpts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		tlsConfig, err := createTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}

	pahoOpts.SetKeepAlive(cfg.KeepAlive)
	pahoOpts.SetConnectTimeout(cfg.ConnectTimeout)
	pahoOpts.SetWriteTimeout(cfg.PublishTimeout)
	if cfg.MaxReconnectInterval > 0 {
		pahoOpts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}

	pahoOpts.SetCleanSession(cfg.CleanSession)
	pahoOpts.SetOrderMatters(cfg.OrderMatters)
	pahoOpts.SetAutoReconnect(true)
	// Subscriptions are restored by the Client on every (re)connect.
	pahoOpts.SetResumeSubs(false)
	pahoOpts.SetAutoAckDisabled(true)

	return pahoOpts, nil
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify, // #nosec G402 -- opt-in via config
		ServerName:         tlsOpts.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	if tlsOpts.CAFile != "" {
		caCert, err := os.ReadFile(tlsOpts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
