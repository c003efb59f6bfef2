package metrics

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/leozw/voice-keypool/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

// RemoteWriter periodically pushes everything in a gatherer to a
// Prometheus remote-write endpoint such as Mimir.
type RemoteWriter struct {
	cfg      config.MimirConfig
	gatherer prometheus.Gatherer
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

func NewRemoteWriter(cfg config.MimirConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *RemoteWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 15 * time.Second
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = "X-Scope-OrgID"
	}
	return &RemoteWriter{
		cfg:      cfg,
		gatherer: gatherer,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With(zap.String("component", "remote_write")),
		now:      time.Now,
	}
}

func (w *RemoteWriter) Enabled() bool { return w.cfg.URL != "" }

func (w *RemoteWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Warn("Remote write failed", zap.Error(err))
			}
		}
	}
}

func (w *RemoteWriter) Flush(ctx context.Context) error {
	mfs, err := w.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	series := toTimeSeries(mfs, w.now().UnixMilli())
	for i := 0; i < len(series); i += w.cfg.BatchSize {
		end := min(i+w.cfg.BatchSize, len(series))
		if err := w.send(ctx, series[i:end]); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}
	return nil
}

func labelsFor(name string, m *dto.Metric, extra ...prompb.Label) []prompb.Label {
	labels := make([]prompb.Label, 0, len(m.Label)+len(extra)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	for _, l := range m.Label {
		labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
	}
	labels = append(labels, extra...)
	// remote write requires sorted label names
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func sample(labels []prompb.Label, value float64, ts int64) prompb.TimeSeries {
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

func toTimeSeries(mfs []*dto.MetricFamily, ts int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries

	for _, mf := range mfs {
		name := mf.GetName()
		for _, m := range mf.Metric {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				series = append(series, sample(labelsFor(name, m), m.Counter.GetValue(), ts))
			case dto.MetricType_GAUGE:
				series = append(series, sample(labelsFor(name, m), m.Gauge.GetValue(), ts))
			case dto.MetricType_HISTOGRAM:
				h := m.Histogram
				for _, b := range h.Bucket {
					le := prompb.Label{Name: "le", Value: fmt.Sprintf("%g", b.GetUpperBound())}
					series = append(series, sample(labelsFor(name+"_bucket", m, le), float64(b.GetCumulativeCount()), ts))
				}
				inf := prompb.Label{Name: "le", Value: fmt.Sprintf("%g", math.Inf(1))}
				series = append(series,
					sample(labelsFor(name+"_bucket", m, inf), float64(h.GetSampleCount()), ts),
					sample(labelsFor(name+"_sum", m), h.GetSampleSum(), ts),
					sample(labelsFor(name+"_count", m), float64(h.GetSampleCount()), ts))
			}
		}
	}
	return series
}

func (w *RemoteWriter) send(ctx context.Context, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: series}

	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+"/api/v1/push", bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if w.cfg.TenantID != "" {
		httpReq.Header.Set(w.cfg.TenantHeader, w.cfg.TenantID)
	}
	if w.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remote write failed with status %d", resp.StatusCode)
	}
	return nil
}
