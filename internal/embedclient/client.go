// Package embedclient talks to the embedding sidecar over the
// project's unix-domain socket. The sidecar is a sibling process with
// its own supervision; this client
// only knows the wire protocol and the degradation path when it is
// unreachable.
package embedclient

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Dimension is the fixed width of every embedding this client returns,
// matching pgstore.EmbeddingDimension.
const Dimension = 768

// DefaultTimeout bounds a single embed round-trip.
const DefaultTimeout = 5 * time.Second

type embedRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Client embeds text against a single project's sidecar socket.
type Client struct {
	socketPath string
	timeout    time.Duration
	log        zerolog.Logger
}

// New constructs a Client for the sidecar listening at socketPath.
func New(socketPath string, log zerolog.Logger) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultTimeout, log: log}
}

// Embed requests a vector for text. On any failure — socket absent,
// connection refused, malformed response, or timeout — it logs the
// cause and returns a deterministic local fallback vector rather than
// failing the caller's batch.
func (c *Client) Embed(ctx context.Context, text string) []float32 {
	v, err := c.embedViaSidecar(ctx, text)
	if err != nil {
		c.log.Warn().Err(err).Str("socket", c.socketPath).Msg("embedding sidecar unavailable, using local fallback vector")
		return FallbackVector(text)
	}
	return v
}

func (c *Client) embedViaSidecar(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []float32
	op := func() error {
		v, err := c.roundTrip(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	b := backoff.WithContext(boundedBackoff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

func boundedBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = DefaultTimeout
	return b
}

func (c *Client) roundTrip(ctx context.Context, text string) ([]float32, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial embedding socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(embedRequest{Type: "embed", Text: text}); err != nil {
		return nil, fmt.Errorf("write embed request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	var resp embedResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("embedding sidecar error: %s", resp.Error)
	}
	return Project(resp.Embedding), nil
}

// Project truncates or zero-pads v to Dimension.
func Project(v []float32) []float32 {
	out := make([]float32, Dimension)
	copy(out, v)
	return out
}

// FallbackVector deterministically derives a pseudo-embedding from the
// SHA-256 digest of text, so repeated embedding of identical content
// keeps producing identical (if semantically uninformed) vectors
// rather than random noise, and identical text always dedups to the
// same fallback regardless of process.
func FallbackVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, Dimension)
	for i := range out {
		byteIdx := i % len(sum)
		// Walk the digest repeatedly, folding in the loop count so the
		// vector doesn't just repeat the 32-byte digest 24 times.
		seed := binary.BigEndian.Uint16([]byte{sum[byteIdx], sum[(byteIdx+i/len(sum))%len(sum)]})
		out[i] = (float32(seed)/float32(65535))*2 - 1
	}
	return out
}
