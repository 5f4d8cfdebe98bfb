// Package handshake performs the HTTP exchange that precedes every proxy
// connection: it confirms the protocol version spoken by the proxy server and
// obtains the token used to open the WebSocket.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudpilot-emu/netbridge/internal/address"
)

const (
	// ProtocolVersion is the only proxy protocol version this client speaks.
	ProtocolVersion = 1

	// Path is the handshake endpoint relative to the proxy base URL.
	Path = "/network-proxy/handshake"

	// DefaultTimeout bounds a complete handshake round trip.
	DefaultTimeout = 5 * time.Second

	maxBodyBytes = 64 << 10
)

// Status classifies the result of a handshake.
type Status int

const (
	StatusFailed Status = iota
	StatusVersionMismatch
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusVersionMismatch:
		return "version_mismatch"
	case StatusSuccess:
		return "success"
	default:
		return "failed"
	}
}

// Outcome is the result of one handshake attempt. Token is set only when
// Status is StatusSuccess. Err describes why a failed attempt failed and is
// meant for logs, not for control flow.
type Outcome struct {
	Status  Status
	Token   string
	Version int
	Err     error
}

var (
	errStatus    = errors.New("unexpected status")
	errMalformed = errors.New("malformed handshake response")
)

type response struct {
	Version *float64 `json:"version"`
	Token   string   `json:"token"`
}

// Client talks to the handshake endpoint of a proxy server.
type Client struct {
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewClient creates a handshake client. A nil httpClient selects
// http.DefaultClient; a non-positive timeout selects DefaultTimeout.
func NewClient(httpClient *http.Client, timeout time.Duration, logger *zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "handshake").Logger()
	}
	return &Client{http: httpClient, timeout: timeout, log: l}
}

// Handshake negotiates with the proxy at addr. It never returns an error:
// every failure, including an invalid address or an expired timeout, is folded
// into an Outcome with StatusFailed.
func (c *Client) Handshake(ctx context.Context, addr string) Outcome {
	out := c.handshake(ctx, addr)
	ev := c.log.Debug()
	if out.Status != StatusSuccess {
		ev = c.log.Warn().AnErr("cause", out.Err)
	}
	ev.Str("address", addr).Stringer("status", out.Status).Int("version", out.Version).Msg("handshake finished")
	return out
}

func (c *Client) handshake(ctx context.Context, addr string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: StatusFailed, Err: fmt.Errorf("handshake panic: %v", r)}
		}
	}()

	base, err := address.Normalize(addr)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+Path, nil)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("POST %s: %w", Path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("POST %s: %w %d", Path, errStatus, resp.StatusCode)}
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	if body.Version == nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: missing version", errMalformed)}
	}
	// Any JSON number is accepted; 1.0 is version 1.
	if *body.Version != ProtocolVersion {
		return Outcome{Status: StatusVersionMismatch, Version: reportedVersion(*body.Version)}
	}
	if body.Token == "" {
		return Outcome{Status: StatusFailed, Version: ProtocolVersion, Err: fmt.Errorf("%w: missing token", errMalformed)}
	}

	return Outcome{Status: StatusSuccess, Token: body.Token, Version: ProtocolVersion}
}

// reportedVersion converts a version number for display. Fractions are
// truncated and out of range values are reported as -1.
func reportedVersion(v float64) int {
	if math.IsNaN(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return -1
	}
	return int(v)
}
