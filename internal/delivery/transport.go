package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/domain"
)

// DefaultMaxBeaconSize is the largest payload sent through a beacon
const DefaultMaxBeaconSize = 65536

// ErrPayloadTooLarge is returned by a beacon for payloads over its limit
var ErrPayloadTooLarge = errors.New("delivery: payload too large for beacon")

const (
	transportBeacon = "beacon"
	transportHTTP   = "http"
)

// Segment is one finished buffer addressed to a replay
type Segment struct {
	Header   domain.SegmentHeader
	Payload  domain.Payload
	Endpoint string
}

// Transport uploads a segment
type Transport interface {
	Name() string
	Send(ctx context.Context, seg Segment) error
}

// EncodeMultipart builds the form body: a "segment" field with the header
// JSON and an "rrweb" file carrying the payload
func EncodeMultipart(seg Segment) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header, err := json.Marshal(seg.Header)
	if err != nil {
		return nil, "", fmt.Errorf("delivery.EncodeMultipart: header: %w", err)
	}
	if err := mw.WriteField("segment", string(header)); err != nil {
		return nil, "", fmt.Errorf("delivery.EncodeMultipart: %w", err)
	}

	name := fmt.Sprintf("rrweb-%d.json", seg.Header.Timestamp)
	mime := "application/json"
	if seg.Payload.Compressed {
		name += ".zlib"
		mime = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="rrweb"; filename=%q`, name))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("delivery.EncodeMultipart: %w", err)
	}
	if _, err := part.Write(seg.Payload.Body); err != nil {
		return nil, "", fmt.Errorf("delivery.EncodeMultipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("delivery.EncodeMultipart: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func post(ctx context.Context, client *http.Client, seg Segment) error {
	body, contentType, err := EncodeMultipart(seg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, seg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery: post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// HTTPTransport posts segments and reports the outcome
type HTTPTransport struct {
	Client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport with the given request timeout
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Name() string { return transportHTTP }

func (t *HTTPTransport) Send(ctx context.Context, seg Segment) error {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	return post(ctx, client, seg)
}

// BeaconTransport queues small segments and returns without waiting. Its
// failures are logged and never observed by the caller.
type BeaconTransport struct {
	Client   *http.Client
	MaxBytes int
	Logger   *zap.Logger
}

var _ Transport = (*BeaconTransport)(nil)

func (t *BeaconTransport) Name() string { return transportBeacon }

func (t *BeaconTransport) limit() int {
	if t.MaxBytes <= 0 {
		return DefaultMaxBeaconSize
	}
	return t.MaxBytes
}

// Fits reports whether p can be sent through the beacon
func (t *BeaconTransport) Fits(p domain.Payload) bool {
	return p.Len() <= t.limit()
}

func (t *BeaconTransport) Send(_ context.Context, seg Segment) error {
	if !t.Fits(seg.Payload) {
		return ErrPayloadTooLarge
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// A beacon outlives the page that queued it, so it ignores cancellation
	go func() {
		if err := post(context.Background(), client, seg); err != nil {
			logger.Debug("beacon upload failed",
				zap.String("replay_id", seg.Header.ReplayID),
				zap.Int("segment_id", seg.Header.SegmentID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Sender picks the beacon for small payloads when one is configured and
// the HTTP transport otherwise
type Sender struct {
	Beacon *BeaconTransport
	HTTP   Transport
}

// Choose returns the transport for seg
func (s *Sender) Choose(seg Segment) Transport {
	if s.Beacon != nil && s.Beacon.Fits(seg.Payload) {
		return s.Beacon
	}
	return s.HTTP
}

// Send uploads seg and returns the transport used
func (s *Sender) Send(ctx context.Context, seg Segment) (string, error) {
	t := s.Choose(seg)
	if t == nil {
		return "", errors.New("delivery.Sender: no transport configured")
	}
	return t.Name(), t.Send(ctx, seg)
}
