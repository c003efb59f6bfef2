package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/leozw/voice-keypool/internal/config"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorCountsPoolEvents(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveOutcome("credentials", true)
	c.ObserveOutcome("credentials", false)
	c.ObserveOutcome("credentials", false)
	c.ObservePause("credentials", health.CauseAutoFailures)
	c.ObserveCache("proxies", true)
	c.ObserveSelection("free", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.outcomes.WithLabelValues("credentials", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pauses.WithLabelValues("credentials", "auto_failures")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("proxies", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.selections.WithLabelValues("free", "exhausted")))
}

func TestCollectorPoolGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordPoolStats("credentials", core.PoolStats{Total: 3, Active: 2, Paused: 1, AvgHealth: 88, QuotaUsed: 100, QuotaAvailable: 59900})
	c.RecordCredentials([]core.Credential{{Name: "main", Tier: "promo_starter", State: health.State{Score: 76}}})
	c.RecordCredentials([]core.Credential{{Name: "backup", Tier: "promo_starter", State: health.State{Score: 100}}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.resources.WithLabelValues("credentials", "paused")))
	assert.Equal(t, 59900.0, testutil.ToFloat64(c.quotaAvailable))
	assert.Equal(t, 1, testutil.CollectAndCount(c.credentialHealth))
}

func TestObserveSweep(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveSweep("quota_reset", 4, nil)
	c.ObserveSweep("quota_reset", 0, errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweeps.WithLabelValues("quota_reset", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.sweepAffected.WithLabelValues("quota_reset")))
}

func TestRemoteWriterPushesSnappyProtobuf(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveSpeech("success", 1500*time.Millisecond)

	received := make(chan *prompb.WriteRequest, 1)
	var tenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/push", r.URL.Path)
		tenant = r.Header.Get("X-Scope-OrgID")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		var req prompb.WriteRequest
		require.NoError(t, req.Unmarshal(raw))
		received <- &req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewRemoteWriter(config.MimirConfig{URL: srv.URL, TenantID: "voice-keypool"}, reg, zap.NewNop())
	require.NoError(t, w.Flush(context.Background()))

	req := <-received
	assert.Equal(t, "voice-keypool", tenant)

	names := map[string]bool{}
	for _, ts := range req.Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "__name__" {
				names[l.Value] = true
			}
		}
	}
	assert.True(t, names["voicepool_speech_requests_total"])
	assert.True(t, names["voicepool_speech_duration_seconds_bucket"])
	assert.True(t, names["voicepool_speech_duration_seconds_count"])
}

func TestRemoteWriterReportsRejection(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).ObserveCache("credentials", false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewRemoteWriter(config.MimirConfig{URL: srv.URL}, reg, zap.NewNop())
	assert.Error(t, w.Flush(context.Background()))
}
