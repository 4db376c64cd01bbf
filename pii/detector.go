// Package pii masks personally identifiable information in tool traffic by
// delegating detection to an external detect-and-mask service.
package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Availability is the result of a detector capability check.
type Availability int

const (
	Unavailable Availability = iota
	Available
)

func (a Availability) String() string {
	if a == Available {
		return "available"
	}
	return "unavailable"
}

// Entity is one detected span.
type Entity struct {
	InfoType string  `json:"infoType"`
	Score    float64 `json:"score,omitempty"`
}

// Result is the outcome of one detect-and-mask call.
type Result struct {
	Masked   json.RawMessage
	Count    int
	Entities []Entity
}

// InfoTypes returns the distinct info types in detection order.
func (r *Result) InfoTypes() []string {
	seen := make(map[string]struct{}, len(r.Entities))
	out := make([]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		if _, ok := seen[e.InfoType]; ok || e.InfoType == "" {
			continue
		}
		seen[e.InfoType] = struct{}{}
		out = append(out, e.InfoType)
	}
	return out
}

// Detector finds and masks PII in a JSON payload.
type Detector interface {
	Availability(ctx context.Context) Availability
	DetectAndMask(ctx context.Context, payload json.RawMessage, infoTypes []string) (*Result, error)
}

// ErrUnavailable is returned by detectors that are switched off or cooling
// down after a failure.
var ErrUnavailable = errors.New("pii: detector unavailable")

// Disabled is a Detector that is never available.
type Disabled struct{}

func (Disabled) Availability(context.Context) Availability { return Unavailable }

func (Disabled) DetectAndMask(context.Context, json.RawMessage, []string) (*Result, error) {
	return nil, ErrUnavailable
}

const (
	DefaultTimeout  = 5 * time.Second
	DefaultCooldown = 30 * time.Second
)

// HTTPDetector calls POST {base}/detect-and-mask. A failed call marks the
// service unavailable for the cooldown period.
type HTTPDetector struct {
	endpoint  string
	client    *http.Client
	timeout   time.Duration
	cooldown  time.Duration
	clock     clockwork.Clock
	log       *slog.Logger
	downUntil atomic.Int64
}

// HTTPOption configures an HTTPDetector.
type HTTPOption func(*HTTPDetector)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDetector) { d.client = c }
}

func WithTimeout(t time.Duration) HTTPOption {
	return func(d *HTTPDetector) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithCooldown(c time.Duration) HTTPOption {
	return func(d *HTTPDetector) { d.cooldown = c }
}

func WithClock(c clockwork.Clock) HTTPOption {
	return func(d *HTTPDetector) { d.clock = c }
}

func WithDetectorLogger(l *slog.Logger) HTTPOption {
	return func(d *HTTPDetector) { d.log = l }
}

// NewHTTPDetector returns a detector for the service at baseURL. An empty
// baseURL yields a detector that always reports Unavailable.
func NewHTTPDetector(baseURL string, opts ...HTTPOption) *HTTPDetector {
	d := &HTTPDetector{
		client:   http.DefaultClient,
		timeout:  DefaultTimeout,
		cooldown: DefaultCooldown,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
	}
	if baseURL != "" {
		d.endpoint = strings.TrimRight(baseURL, "/") + "/detect-and-mask"
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ Detector = (*HTTPDetector)(nil)

func (d *HTTPDetector) Availability(context.Context) Availability {
	if d.endpoint == "" {
		return Unavailable
	}
	if d.clock.Now().UnixNano() < d.downUntil.Load() {
		return Unavailable
	}
	return Available
}

type detectRequest struct {
	Payload   json.RawMessage `json:"payload"`
	InfoTypes []string        `json:"infoTypes,omitempty"`
}

type detectResponse struct {
	MaskedPayload    json.RawMessage `json:"maskedPayload"`
	DetectedCount    int             `json:"detectedCount"`
	DetectedEntities []Entity        `json:"detectedEntities"`
}

func (d *HTTPDetector) DetectAndMask(ctx context.Context, payload json.RawMessage, infoTypes []string) (*Result, error) {
	if d.Availability(ctx) == Unavailable {
		return nil, ErrUnavailable
	}
	body, err := json.Marshal(detectRequest{Payload: payload, InfoTypes: infoTypes})
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.markDown(ctx, err)
		return nil, fmt.Errorf("detect-and-mask: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("detect-and-mask: unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			d.markDown(ctx, err)
		}
		return nil, err
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	if !json.Valid(out.MaskedPayload) {
		return nil, errors.New("detect-and-mask: masked payload is not valid JSON")
	}
	count := out.DetectedCount
	if count < len(out.DetectedEntities) {
		count = len(out.DetectedEntities)
	}
	return &Result{Masked: out.MaskedPayload, Count: count, Entities: out.DetectedEntities}, nil
}

func (d *HTTPDetector) markDown(ctx context.Context, err error) {
	if d.cooldown <= 0 {
		return
	}
	until := d.clock.Now().Add(d.cooldown)
	d.downUntil.Store(until.UnixNano())
	d.log.WarnContext(ctx, "pii.detector.down",
		slog.Duration("cooldown", d.cooldown),
		slog.String("err", err.Error()),
	)
}
