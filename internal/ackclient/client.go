// Package ackclient is the consumer-side HTTP client that reports message
// outcomes and heartbeats back to the producer, wrapped in a circuit breaker
// so a producer outage degrades the consumer instead of hanging it.
package ackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"

	"github.com/outboxrelay/relay/internal/common/metrics"
)

// Config configures the client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// SigningKey signs the bearer token attached to every request. Both
	// sides of one deployment share this key - there is no external IdP in
	// the loop, just mutual trust between known instances.
	SigningKey []byte
	ServiceID  string
	InstanceID string

	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                   10 * time.Second,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// Client posts acknowledgments and heartbeats to the producer.
type Client struct {
	cfg            *Config
	http           *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
}

// New constructs a Client. cfg.BaseURL and cfg.SigningKey are required.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ackclient",
		MaxRequests: cfg.CircuitBreakerRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.CircuitBreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = 0
			case gobreaker.StateOpen:
				stateValue = 1
				metrics.AckCircuitBreakerTrips.Inc()
			case gobreaker.StateHalfOpen:
				stateValue = 2
			}
			metrics.AckCircuitBreakerState.Set(stateValue)
		},
	})

	return &Client{
		cfg:            cfg,
		http:           &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: cb,
	}
}

// serviceClaims is the bearer token payload identifying this consumer
// instance to the producer. There is no session/refresh flow here: each
// request mints a short-lived token signed with the shared key.
type serviceClaims struct {
	jwt.RegisteredClaims
	InstanceID string `json:"instanceId"`
}

func (c *Client) signToken() (string, error) {
	now := time.Now()
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.cfg.ServiceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		InstanceID: c.cfg.InstanceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.SigningKey)
}

// ErrInvalidToken is returned by Verify when the bearer token does not
// validate against signingKey.
var ErrInvalidToken = fmt.Errorf("invalid or expired ack bearer token")

// Verify validates a bearer token minted by signToken, returning the
// claimed service and instance ID. Used on the producer side to authenticate
// inbound acknowledgment/heartbeat requests against the same shared key the
// consumer signed with.
func Verify(signingKey []byte, tokenString string) (serviceID, instanceID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &serviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*serviceClaims)
	if !ok {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.InstanceID, nil
}

// AckReport mirrors ackintake.Report, kept as a separate type so the two
// packages don't import each other across the producer/consumer boundary.
type AckReport struct {
	MessageID     string `json:"messageId"`
	ConsumerGroup string `json:"consumerGroup"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// Acknowledge posts a message outcome to the producer's ack intake endpoint.
func (c *Client) Acknowledge(ctx context.Context, report AckReport) error {
	return c.post(ctx, "acknowledge", "/api/v1/acknowledgments", report)
}

type heartbeatReport struct {
	ServiceID     string         `json:"serviceId"`
	InstanceID    string         `json:"instanceId"`
	Status        string         `json:"status"`
	Health        string         `json:"health"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	HealthData    map[string]any `json:"healthData,omitempty"`
}

// Heartbeat posts this consumer instance's health snapshot to the producer.
func (c *Client) Heartbeat(ctx context.Context, status, health, statusMessage string, healthData map[string]any) error {
	report := heartbeatReport{
		ServiceID:     c.cfg.ServiceID,
		InstanceID:    c.cfg.InstanceID,
		Status:        status,
		Health:        health,
		StatusMessage: statusMessage,
		HealthData:    healthData,
	}
	return c.post(ctx, "heartbeat", "/api/v1/agents/heartbeat", report)
}

func (c *Client) post(ctx context.Context, kind, path string, body any) error {
	_, err := c.circuitBreaker.Execute(func() (any, error) {
		return nil, c.doPost(ctx, kind, path, body)
	})
	return err
}

func (c *Client) doPost(ctx context.Context, kind, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.signToken()
	if err != nil {
		return fmt.Errorf("sign %s token: %w", kind, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.AckHTTPDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AckHTTPRequests.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("%s request: %w", kind, err)
	}
	defer resp.Body.Close()

	metrics.AckHTTPRequests.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s request returned %d: %s", kind, resp.StatusCode, string(respBody))
	}
	return nil
}
