package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ domain.Recorder = (*Recorder)(nil)

func TestRecorder_Counts(t *testing.T) {
	r := New()

	r.PipelinesUpserted("backfill", 30)
	r.PipelinesUpserted("poll", 2)
	r.PipelinesUpserted("poll", 0)
	r.PollFailed(7)
	r.Enriched("resolved")
	r.Enriched("resolved")
	r.Ready()

	assert.Equal(t, 30.0, testutil.ToFloat64(r.upserted.WithLabelValues("backfill")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.upserted.WithLabelValues("poll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pollFailed.WithLabelValues("7")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.enriched.WithLabelValues("resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ready))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.Ready()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ci_ingest_ready 1")
}
