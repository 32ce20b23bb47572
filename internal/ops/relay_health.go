package ops

import (
	"context"

	"github.com/hpungsan/notefeed/internal/relay"
)

// RelayStatus is the health of one configured relay.
type RelayStatus struct {
	URL                 string  `json:"url"`
	Successes           int64   `json:"successes"`
	Failures            int64   `json:"failures"`
	SuccessRatio        float64 `json:"success_ratio"`
	AvgLatencyMs        int64   `json:"avg_latency_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	BackedOff           bool    `json:"backed_off"`
	BackoffUntil        int64   `json:"backoff_until,omitempty"`
}

// RelayHealthOutput lists relays in the order queries use them.
type RelayHealthOutput struct {
	Ready  bool          `json:"ready"`
	Relays []RelayStatus `json:"relays"`
}

// RelayHealth reports the tracked health of every configured relay.
func (s *Session) RelayHealth(_ context.Context) (*RelayHealthOutput, error) {
	urls := s.pool.URLs()
	out := &RelayHealthOutput{
		Ready:  s.pool.Ready(),
		Relays: make([]RelayStatus, 0, len(urls)),
	}
	for _, url := range urls {
		st, ok := s.tracker.Get(url)
		if !ok {
			st = relay.Stats{URL: url}
		}
		rs := RelayStatus{
			URL:                 url,
			Successes:           st.Successes,
			Failures:            st.Failures,
			SuccessRatio:        st.SuccessRatio(),
			AvgLatencyMs:        st.AvgLatency.Milliseconds(),
			ConsecutiveFailures: st.ConsecutiveFailures,
			BackedOff:           s.tracker.IsBackedOff(url),
		}
		if !st.BackoffUntil.IsZero() {
			rs.BackoffUntil = st.BackoffUntil.Unix()
		}
		out.Relays = append(out.Relays, rs)
	}
	return out, nil
}
