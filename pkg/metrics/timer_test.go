package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer.start.IsZero() {
		t.Fatal("NewTimer() start time is zero")
	}
	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Timer.Duration() = %v, want >= 20ms", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("Duration should keep growing: first=%v, second=%v", first, second)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "test_deploy_duration_seconds",
			Help: "Test deploy duration",
		},
		[]string{"driver"},
	)

	NewTimer().ObserveDurationVec(vec, "docker-install")
	NewTimer().ObserveDurationVec(vec, "docker-install")
	NewTimer().ObserveDurationVec(vec, "kubernetes-install")

	if got := testutil.CollectAndCount(vec); got != 2 {
		t.Errorf("expected 2 label children, got %d", got)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_poll_duration_seconds",
		Help: "Test poll duration",
	})

	NewTimer().ObserveDuration(histogram)

	if got := testutil.CollectAndCount(histogram); got != 1 {
		t.Errorf("expected 1 metric, got %d", got)
	}
}
