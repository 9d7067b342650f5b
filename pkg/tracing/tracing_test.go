package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	var nilProvider *Provider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestHTTPMiddlewareRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := NewProvider(Config{ServiceName: "qrbatch-test"}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	router := mux.NewRouter()
	router.Use(HTTPMiddleware)
	router.HandleFunc("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		AddEvent(r.Context(), "looked up")
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/42", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /jobs/{id}", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusAccepted))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "looked up", spans[0].Events()[0].Name)
}
