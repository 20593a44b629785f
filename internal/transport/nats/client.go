// Package nats adapts a NATS connection to the engine's transport interface.
package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/transport"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// Config holds NATS connection configuration.
type Config struct {
	URL         string
	CAFile      string
	CertFile    string
	KeyFile     string
	DialTimeout time.Duration
}

// Dialer opens token-authenticated NATS connections. Reconnection is left to
// the connection manager, so the client library's own reconnect is disabled.
type Dialer struct {
	cfg    Config
	logger *logger.Logger
}

// NewDialer creates a NATS dialer.
func NewDialer(cfg Config, log *logger.Logger) *Dialer {
	return &Dialer{cfg: cfg, logger: logger.OrNop(log).Named("nats")}
}

// Dial establishes a connection to the NATS server using token as credential.
func (d *Dialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	c := &conn{done: make(chan struct{})}

	timeout := d.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	opts := []nats.Option{
		nats.Token(token),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			d.logger.Warn("NATS disconnected", zap.Error(err))
			c.fail(err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.fail(nc.LastError())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			d.logger.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	// Add TLS configuration if certificates are provided
	if d.cfg.CAFile != "" && d.cfg.CertFile != "" && d.cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(d.cfg.CAFile, d.cfg.CertFile, d.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc
	return c, nil
}

func isAuthError(err error) bool {
	if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) || errors.Is(err, nats.ErrAuthRevoked) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "authorization violation")
}

type conn struct {
	nc   *nats.Conn
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = transport.ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("failed to request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func (c *conn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func (c *conn) Subscribe(subject string, h transport.Handler) (transport.Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	c.fail(transport.ErrClosed)
	return nil
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
