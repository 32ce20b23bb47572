package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/note"
)

// OracleChunkSize is the maximum number of targets per batch request.
const OracleChunkSize = 100

// Oracle answers distance queries anchored at a reference identity.
type Oracle interface {
	DistanceBatch(ctx context.Context, reference string, targets []string) (map[string]int, error)
	Distance(ctx context.Context, reference, target string) (int, error)
}

// OracleClient talks to the remote distance service over HTTP.
type OracleClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// OracleOption configures an OracleClient.
type OracleOption func(*OracleClient)

func WithHTTPClient(c *http.Client) OracleOption { return func(o *OracleClient) { o.http = c } }

func WithOracleMetrics(m *metrics.Collector) OracleOption {
	return func(o *OracleClient) { o.metrics = m }
}

func WithOracleLogger(l *zap.Logger) OracleOption { return func(o *OracleClient) { o.logger = l } }

// NewOracleClient creates a client for baseURL (e.g. https://oracle.example/api).
func NewOracleClient(baseURL string, opts ...OracleOption) *OracleClient {
	o := &OracleClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).Named("oracle")
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "trust-oracle",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("circuit breaker state changed", zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return o
}

type batchRequest struct {
	ReferenceIdentity string   `json:"referenceIdentity"`
	Targets           []string `json:"targets"`
}

type batchResponse struct {
	Results []struct {
		Target   string `json:"target"`
		Distance *int   `json:"distance"`
	} `json:"results"`
}

type singleResponse struct {
	Distance *int `json:"distance"`
}

// DistanceBatch POSTs targets (at most OracleChunkSize) and returns the distances
// the oracle answered for. A null distance is unreachable; targets absent from
// the response are absent from the map.
func (o *OracleClient) DistanceBatch(ctx context.Context, reference string, targets []string) (map[string]int, error) {
	body, err := json.Marshal(batchRequest{ReferenceIdentity: reference, Targets: targets})
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	err = o.do(ctx, "batch", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/distance/batch", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(resp.Results))
	for _, r := range resp.Results {
		if r.Target == "" {
			continue
		}
		if r.Distance == nil {
			out[r.Target] = note.Unreachable
		} else {
			out[r.Target] = *r.Distance
		}
	}
	return out, nil
}

// Distance GETs the distance of one target.
func (o *OracleClient) Distance(ctx context.Context, reference, target string) (int, error) {
	q := url.Values{}
	q.Set("reference", reference)
	q.Set("target", target)

	var resp singleResponse
	err := o.do(ctx, "single", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/distance?"+q.Encode(), nil)
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Distance == nil {
		return note.Unreachable, nil
	}
	return *resp.Distance, nil
}

func (o *OracleClient) do(ctx context.Context, kind string, build func() (*http.Request, error), out any) error {
	_, err := o.breaker.Execute(func() (any, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		res, err := o.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
			return nil, fmt.Errorf("oracle %s: status %d: %s", kind, res.StatusCode, strings.TrimSpace(string(snippet)))
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("oracle %s: decode: %w", kind, err)
		}
		return nil, nil
	})

	status := "ok"
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		status = "open"
	case err != nil:
		status = "error"
	}
	o.metrics.OracleCall(kind, status)
	if err != nil && ctx.Err() == nil {
		o.logger.Debug("oracle call failed", zap.String("kind", kind), zap.Error(err))
	}
	return err
}
