package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.PhysicalQuery("id")
	c.Merged(3)
	c.Coalesced()
	c.QueryFailed()
	c.TrustLookup(true)
	c.TrustScored("local", 2)
	c.OracleCall("batch", "ok")
	c.BufferFlush("idle")
	c.FeedEvent("ingested")
	c.SetWorkingSet(10)
	c.PageServed("memory")
	assert.Nil(t, c.Registry())
}

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.PhysicalQuery("multi")
	c.PhysicalQuery("multi")
	c.Merged(2)
	c.BufferFlush("size")
	c.SetWorkingSet(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.PhysicalQueries.WithLabelValues("multi")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.MergedFilters))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BufferFlushes.WithLabelValues("size")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.WorkingSet))
}

func TestHandlerServesText(t *testing.T) {
	c := New()
	c.FeedEvent("duplicate")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "notefeed_feed_events_total"))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Coalesced()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CoalescedCalls))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CoalescedCalls))
}
