package toolagent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

const executeMethod = "/planrun.v1.ToolAgent/ExecuteTool"

// Invocation is the request sent to the remote tool executor.
type Invocation struct {
	InvocationID     string            `json:"invocation_id"`
	PlanID           string            `json:"plan_id"`
	StepID           string            `json:"step_id"`
	Tool             string            `json:"tool"`
	Capability       string            `json:"capability"`
	CapabilityLabel  string            `json:"capability_label,omitempty"`
	Labels           []string          `json:"labels,omitempty"`
	InputJSON        string            `json:"input_json,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	ApprovalRequired bool              `json:"approval_required,omitempty"`
}

// Event is one element of the executor's response.
type Event struct {
	InvocationID string    `json:"invocation_id"`
	PlanID       string    `json:"plan_id"`
	StepID       string    `json:"step_id"`
	State        string    `json:"state"`
	Summary      string    `json:"summary,omitempty"`
	OutputJSON   string    `json:"output_json,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type executeResponse struct {
	Events []Event `json:"events"`
}

// jsonCodec lets the client speak the executor contract without generated
// stubs; requests and responses go over the wire as JSON frames.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Config controls transport, authentication and retry behaviour.
type Config struct {
	Target string

	// Insecure must be set explicitly to skip TLS; otherwise the PEM
	// material below establishes a mutually authenticated channel.
	Insecure   bool
	RootCAFile string
	CertFile   string
	KeyFile    string

	MaxAttempts int
	BaseDelay   time.Duration
	CallTimeout time.Duration

	// RatePerSecond bounds outgoing calls; zero disables the limiter.
	RatePerSecond float64
}

// Client is the resilient RPC client to the remote tool executor. It owns
// retry, backoff and transient/permanent error classification.
type Client struct {
	conn        *grpc.ClientConn
	maxAttempts int
	baseDelay   time.Duration
	callTimeout time.Duration
	limiter     *rate.Limiter
	sleep       func(time.Duration)
}

// NewClient dials the executor per the config.
func NewClient(cfg Config) (*Client, error) {
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(cfg.Target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial tool agent %s: %w", cfg.Target, err)
	}
	return newClient(conn, cfg), nil
}

// NewClientWithConn wraps an existing connection. Test hook.
func NewClientWithConn(conn *grpc.ClientConn, cfg Config) *Client {
	return newClient(conn, cfg)
}

func newClient(conn *grpc.ClientConn, cfg Config) *Client {
	c := &Client{
		conn:        conn,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		callTimeout: cfg.CallTimeout,
		sleep:       time.Sleep,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 250 * time.Millisecond
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return c
}

func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return insecure.NewCredentials(), nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("read root CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.RootCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

// ExecuteTool issues the invocation, retrying transient failures with linear
// backoff (baseDelay x attempt number) up to the configured attempt bound.
// Every attempt carries its own deadline so a slow call can never exceed the
// configured timeout regardless of retry count.
func (c *Client) ExecuteTool(ctx context.Context, inv Invocation) ([]Event, error) {
	timeout := c.callTimeout
	if inv.TimeoutSeconds > 0 {
		timeout = time.Duration(inv.TimeoutSeconds) * time.Second
	}

	md := metadata.New(inv.Metadata)

	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, normalizeError(err)
			}
		}

		events, err := c.invoke(ctx, inv, md, timeout)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if !err.Retryable || attempt == c.maxAttempts {
			break
		}
		c.sleep(c.baseDelay * time.Duration(attempt))
	}
	return nil, lastErr
}

func (c *Client) invoke(ctx context.Context, inv Invocation, md metadata.MD, timeout time.Duration) ([]Event, *Error) {
	attemptCtx, cancel := context.WithTimeout(metadata.NewOutgoingContext(ctx, md), timeout)
	defer cancel()

	var resp executeResponse
	err := c.conn.Invoke(attemptCtx, executeMethod, &inv, &resp, grpc.CallContentSubtype("json"))
	if err != nil {
		return nil, normalizeError(err)
	}
	return resp.Events, nil
}

// Close tears down the channel.
func (c *Client) Close() error {
	return c.conn.Close()
}
