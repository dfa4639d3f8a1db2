package perf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/formula-pm/formula-pm/internal/jobs"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/workflow"
	"github.com/formula-pm/formula-pm/jobs"
)

type flakyOutbox struct {
	failEvery int
	calls     int
}

func (o *flakyOutbox) Recipients(ctx context.Context, event workflow.Event) ([]uuid.UUID, error) {
	o.calls++
	if o.failEvery > 0 && o.calls%o.failEvery == 0 {
		return nil, errors.New("database unavailable")
	}
	return []uuid.UUID{uuid.New(), uuid.New()}, nil
}

func (o *flakyOutbox) Record(ctx context.Context, event workflow.Event, recipients []uuid.UUID) (int, error) {
	return len(recipients), nil
}

func notifyTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := jobs.NewWorkflowNotifyTask(workflow.Event{
		ID:           uuid.New(),
		ResourceType: rbac.ResourceShopDrawing,
		ResourceID:   uuid.New(),
		ProjectID:    uuid.New(),
		Action:       "submit",
		FromStatus:   workflow.DrawingDraft,
		ToStatus:     workflow.DrawingPendingInternalReview,
		PrincipalID:  uuid.New(),
		OccurredAt:   time.Now(),
	})
	require.NoError(t, err)
	return task
}

func TestNotifyJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	job := jobs.NewWorkflowNotifyJob(&flakyOutbox{failEvery: 20}, logger, metrics)

	failures := 0
	for i := 0; i < 100; i++ {
		if err := job.Handle(context.Background(), notifyTask(t)); err != nil {
			failures++
		}
	}
	require.Equal(t, 5, failures)

	// Undecodable payloads are skipped before tracking starts.
	err := job.Handle(context.Background(), asynq.NewTask(jobs.TaskWorkflowNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	families, err := reg.Gather()
	require.NoError(t, err)

	success := metricValue(t, families, "formula_jobs_total", map[string]string{"job": jobs.TaskWorkflowNotify, "status": "success"})
	failure := metricValue(t, families, "formula_jobs_total", map[string]string{"job": jobs.TaskWorkflowNotify, "status": "failure"})
	require.Equal(t, 100.0, success+failure)
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("notify job success ratio too low: %f", ratio)
	}
	require.Equal(t, 5.0, metricValue(t, families, "formula_jobs_failures_total", map[string]string{"job": jobs.TaskWorkflowNotify}))

	if mean := histogramMean(t, families, "formula_job_duration_seconds", map[string]string{"job": jobs.TaskWorkflowNotify}); mean > 0.5 {
		t.Fatalf("notify job duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
