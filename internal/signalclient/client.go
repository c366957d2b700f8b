// Package signalclient talks to the relay's HTTP polling API.
//
// Every method is a single request except Claim and WaitAnswer, which poll
// until the relay has something or the context ends.
package signalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	DefaultRetryInterval = time.Second
	maxResponseBytes     = 1 << 20
)

var (
	ErrNotFound     = errors.New("signalclient: connection not found")
	ErrInvalidState = errors.New("signalclient: connection not awaiting an answer")
	ErrUnauthorized = errors.New("signalclient: unauthorized")
	ErrBadRequest   = errors.New("signalclient: rejected as malformed")
	// ErrGaveUp is returned by WaitAnswer once its attempt budget is spent.
	ErrGaveUp = errors.New("signalclient: no answer after retries")
)

// APIError is a non-success response from the relay. It matches the
// package's sentinel errors with errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the relay's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay returned %d", e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalidState:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusRequestEntityTooLarge
	}
	return false
}

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// APIKey is sent as X-API-Key when non-empty.
	APIKey string
	// DeviceID tags offers created by this client. The relay keeps it as
	// metadata and never forwards it to the answering peer.
	DeviceID string
	// RetryInterval fixes the delay between polls. Zero follows the relay's
	// Retry-After hint, falling back to DefaultRetryInterval.
	RetryInterval time.Duration
}

type Client struct {
	base          *url.URL
	http          *http.Client
	log           *slog.Logger
	apiKey        string
	deviceID      string
	retryInterval time.Duration
}

// New returns a client for the relay at baseURL, which includes any base
// path, e.g. "https://relay.example.com/signaling/1.0".
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("relay url %q: missing host", baseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:          u,
		http:          opts.HTTPClient,
		log:           opts.Logger.With("component", "signalclient"),
		apiKey:        opts.APIKey,
		deviceID:      opts.DeviceID,
		retryInterval: opts.RetryInterval,
	}, nil
}

type offerBody struct {
	Type     webrtc.SDPType `json:"type"`
	SDP      string         `json:"sdp"`
	DeviceID string         `json:"deviceId,omitempty"`
}

type connectionResponse struct {
	ConnectionID string `json:"connectionId"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateOffer publishes offer and returns the connection id the relay
// assigned to it.
func (c *Client) CreateOffer(ctx context.Context, offer webrtc.SessionDescription) (string, error) {
	body, err := json.Marshal(offerBody{Type: offer.Type, SDP: offer.SDP, DeviceID: c.deviceID})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/connections", body)
	if err != nil {
		return "", err
	}
	id, err := decodeConnectionID(resp)
	if err != nil {
		return "", err
	}
	c.log.Info("offer published", "connection_id", id)
	return id, nil
}

// TryClaim makes one attempt to take the oldest pending offer. ok is false
// when the queue is empty; retry is the delay to wait before asking again.
func (c *Client) TryClaim(ctx context.Context) (id string, ok bool, retry time.Duration, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/application/queue", nil)
	if err != nil {
		return "", false, 0, err
	}
	if resp.status == http.StatusNoContent {
		return "", false, c.retryDelay(&resp), nil
	}
	id, err = decodeConnectionID(resp)
	if err != nil {
		return "", false, 0, err
	}
	return id, true, 0, nil
}

// Claim polls the queue until an offer is claimed or ctx ends. Transport
// failures, 5xx and 429 are retried like an empty queue.
func (c *Client) Claim(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		id, ok, retry, err := c.TryClaim(ctx)
		switch {
		case err != nil && !isTransient(err):
			return "", err
		case err != nil:
			c.log.Warn("queue poll failed", "attempt", attempt, "err", err)
			retry = c.errorRetryDelay(err)
		case ok:
			c.log.Info("claimed connection", "connection_id", id)
			return id, nil
		default:
			c.log.Debug("no waiting offers", "retry_in", retry)
		}
		if err := sleep(ctx, retry); err != nil {
			return "", err
		}
	}
}

func (c *Client) GetOffer(ctx context.Context, id string) (webrtc.SessionDescription, error) {
	resp, err := c.do(ctx, http.MethodGet, connectionPath(id, "offer"), nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return decodeSessionDescription(resp.body)
}

func (c *Client) SubmitAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	body, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodPost, connectionPath(id, "answer"), body); err != nil {
		return err
	}
	c.log.Info("answer submitted", "connection_id", id)
	return nil
}

// TryGetAnswer makes one attempt to collect the answer. A nil description
// means the peer has not answered yet. A returned answer is gone from the
// relay; a second call reports ErrNotFound.
func (c *Client) TryGetAnswer(ctx context.Context, id string) (*webrtc.SessionDescription, time.Duration, error) {
	resp, err := c.do(ctx, http.MethodGet, connectionPath(id, "answer"), nil)
	if err != nil {
		return nil, 0, err
	}
	if resp.status == http.StatusNoContent || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, c.retryDelay(&resp), nil
	}
	sd, err := decodeSessionDescription(resp.body)
	if err != nil {
		return nil, 0, err
	}
	return &sd, 0, nil
}

// WaitAnswer polls for the answer. maxAttempts <= 0 polls until ctx ends.
// Transport failures are retried like "not yet"; relay errors are not.
func (c *Client) WaitAnswer(ctx context.Context, id string, maxAttempts int) (webrtc.SessionDescription, error) {
	for attempt := 1; ; attempt++ {
		sd, retry, err := c.TryGetAnswer(ctx, id)
		switch {
		case err == nil && sd != nil:
			return *sd, nil
		case err != nil && !isTransient(err):
			return webrtc.SessionDescription{}, err
		case err != nil:
			c.log.Warn("answer poll failed", "connection_id", id, "attempt", attempt, "err", err)
			retry = c.errorRetryDelay(err)
		default:
			c.log.Debug("answer not ready", "connection_id", id, "attempt", attempt)
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return webrtc.SessionDescription{}, fmt.Errorf("%w (%d attempts)", ErrGaveUp, attempt)
		}
		if err := sleep(ctx, retry); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
}

type response struct {
	status     int
	retryAfter time.Duration
	body       []byte
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	out := response{status: resp.StatusCode, body: data}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		out.retryAfter = time.Duration(secs) * time.Second
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, RetryAfter: out.retryAfter}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Code, apiErr.Message = er.Code, er.Message
		}
		return out, apiErr
	}
	return out, nil
}

func (c *Client) retryDelay(resp *response) time.Duration {
	if c.retryInterval > 0 {
		return c.retryInterval
	}
	if resp != nil && resp.retryAfter > 0 {
		return resp.retryAfter
	}
	return DefaultRetryInterval
}

// errorRetryDelay is retryDelay for a failed request, honouring the
// Retry-After of a rate-limited or unavailable relay.
func (c *Client) errorRetryDelay(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return c.retryDelay(&response{retryAfter: apiErr.RetryAfter})
	}
	return c.retryDelay(nil)
}

func connectionPath(id, leaf string) string {
	return "/connections/" + url.PathEscape(id) + "/" + leaf
}

func decodeConnectionID(resp response) (string, error) {
	var cr connectionResponse
	if err := json.Unmarshal(resp.body, &cr); err != nil {
		return "", fmt.Errorf("decode connection response: %w", err)
	}
	if cr.ConnectionID == "" {
		return "", errors.New("relay response missing connectionId")
	}
	return cr.ConnectionID, nil
}

func decodeSessionDescription(body []byte) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(body, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return sd, nil
}

// isTransient reports whether a failed poll is worth repeating: transport
// errors and 5xx/429 responses are, everything else the relay said is final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
