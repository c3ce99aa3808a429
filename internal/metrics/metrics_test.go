package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/workflow/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/workflow/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflow/abc", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/workflow/{id}", "418"))
	assert.Equal(t, before+1, after)
	assert.Equal(t, float64(0), testutil.ToFloat64(HTTPRequestsInFlight))
}

func TestRecordModelRequest(t *testing.T) {
	ok := ModelRequestsTotal.WithLabelValues("echo", "architect", "success")
	failed := ModelRequestsTotal.WithLabelValues("echo", "architect", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	RecordModelRequest("echo", "architect", 10*time.Millisecond, nil)
	RecordModelRequest("echo", "architect", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestRecordModelTokensSkipsZero(t *testing.T) {
	in := ModelTokensTotal.WithLabelValues("input")
	out := ModelTokensTotal.WithLabelValues("output")
	inBefore, outBefore := testutil.ToFloat64(in), testutil.ToFloat64(out)

	RecordModelTokens(12, 0)

	assert.Equal(t, inBefore+12, testutil.ToFloat64(in))
	assert.Equal(t, outBefore, testutil.ToFloat64(out))
}
