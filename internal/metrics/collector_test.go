package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorsDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("goverlay", zap.NewNop())
		NewCollector("goverlay", zap.NewNop())
	})
}

func TestRecordHTTPRequest(t *testing.T) {
	c := NewCollector("goverlay", zap.NewNop())

	c.RecordHTTPRequest("POST", "/annotate", 200, 2*time.Second)
	c.RecordHTTPRequest("POST", "/annotate", 422, time.Second)
	c.RecordHTTPRequest("POST", "/annotate", 201, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/annotate", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/annotate", "4xx")))
}

func TestRunLifecycle(t *testing.T) {
	c := NewCollector("goverlay", zap.NewNop())

	done := c.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsInFlight))

	c.RecordFrame(2)
	c.RecordFrame(0)
	done("success", 3*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.runsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.boxesDrawn))
}

func TestRecordCleanup(t *testing.T) {
	c := NewCollector("goverlay", zap.NewNop())

	c.RecordCleanup(nil)
	c.RecordCleanup(errors.New("permission denied"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupsTotal.WithLabelValues("removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupsTotal.WithLabelValues("failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("goverlay", zap.NewNop())
	c.RecordFrame(1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "goverlay_pipeline_frames_total 1"))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(413))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(0))
}
