// Package sink implements the Loki-compatible push client the
// forwarder uses to deliver sealed WAL segments downstream.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Stream is one Loki stream: an exact label set plus its ordered
// values.
type Stream struct {
	Labels map[string]string
	Values [][2]string // [unix_ns, line]
}

// Push is the wire payload posted to the sink's push endpoint.
type Push struct {
	Streams []Stream
}

type wireStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type wirePush struct {
	Streams []wireStream `json:"streams"`
}

func (p Push) MarshalJSON() ([]byte, error) {
	w := wirePush{Streams: make([]wireStream, len(p.Streams))}
	for i, s := range p.Streams {
		w.Streams[i] = wireStream{Stream: s.Labels, Values: s.Values}
	}
	return json.Marshal(w)
}

// ByteSize estimates the JSON-encoded size of a push without actually
// marshaling it, used to enforce the per-push byte cap while batching.
func (p Push) ByteSize() int {
	n := 16
	for _, s := range p.Streams {
		n += 24
		for k, v := range s.Labels {
			n += len(k) + len(v) + 6
		}
		for _, v := range s.Values {
			n += len(v[0]) + len(v[1]) + 8
		}
	}
	return n
}

// ValueCount returns the total number of log lines across all streams.
func (p Push) ValueCount() int {
	n := 0
	for _, s := range p.Streams {
		n += len(s.Values)
	}
	return n
}

// StreamKey returns a deterministic string identifying a label set, so
// batching code can group records into the right stream (labels
// compared by exact equality per the sink contract).
func StreamKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(labels[k])
		buf.WriteByte(';')
	}
	return buf.String()
}

// Outcome classifies the result of one push per the forwarder's
// poison/transient split.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePoison          // 4xx other than 429: unrecoverable, drop
	OutcomeTransient       // 429/5xx/network: retry with backoff
)

// Result carries the outcome plus any Retry-After hint from the sink.
type Result struct {
	Outcome    Outcome
	StatusCode int
	RetryAfter time.Duration
}

// Client posts pushes to a Loki-compatible ingestion endpoint.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New builds a Client. timeout bounds every push and every readiness
// probe.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Push POSTs a gzip-compressed payload to <base_url>/loki/api/v1/push.
func (c *Client) Push(ctx context.Context, push Push) (Result, error) {
	body, err := json.Marshal(push)
	if err != nil {
		return Result{}, fmt.Errorf("sink: marshal push: %w", err)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(body); err != nil {
		return Result{}, fmt.Errorf("sink: gzip push body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("sink: gzip close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", &gz)
	if err != nil {
		return Result{}, fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classify(resp), nil
}

// Ready probes the sink's readiness endpoint, used by the readiness
// composer to require a successful /ready within the freshness window.
func (c *Client) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func classify(resp *http.Response) Result {
	status := resp.StatusCode
	r := Result{StatusCode: status}

	switch {
	case status >= 200 && status < 300:
		r.Outcome = OutcomeSuccess
	case status == http.StatusTooManyRequests:
		r.Outcome = OutcomeTransient
		r.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case status >= 400 && status < 500:
		r.Outcome = OutcomePoison
	default:
		r.Outcome = OutcomeTransient
	}
	return r
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
