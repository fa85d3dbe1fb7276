package obs_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"settlepos/backend/internal/obs"
)

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics("settlepos", registry)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/terminals/{terminal}/sale", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := obs.RequestLogger{Logger: zerolog.New(io.Discard), Metrics: metrics}.Middleware(mux)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/terminals/T1/sale", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rr.Code)
	}

	total := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "GET /api/v1/terminals/{terminal}/sale", "204"))
	if total != 1 {
		t.Fatalf("expected counter to be 1, got %v", total)
	}
	if samples := testutil.CollectAndCount(metrics.ReqDur); samples == 0 {
		t.Fatalf("expected histogram sample")
	}
}

func TestSubmissionCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics("settlepos", registry)

	metrics.Submission("sale", nil)
	metrics.Submission("sale", errors.New("sink down"))
	metrics.ReturnOutcome("refund")

	if got := testutil.ToFloat64(metrics.Submissions.WithLabelValues("sale", "ok")); got != 1 {
		t.Fatalf("expected 1 ok sale, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Submissions.WithLabelValues("sale", "error")); got != 1 {
		t.Fatalf("expected 1 failed sale, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ReturnOutcomes.WithLabelValues("refund")); got != 1 {
		t.Fatalf("expected 1 refund, got %v", got)
	}

	again := obs.NewMetrics("settlepos", registry)
	if again.Submissions != metrics.Submissions {
		t.Fatalf("expected re-registration to reuse existing collectors")
	}

	var nilMetrics *obs.Metrics
	nilMetrics.Submission("sale", nil)
}
