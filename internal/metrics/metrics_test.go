package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionsTotal(t *testing.T) {
	before := testutil.ToFloat64(ActionsTotal.WithLabelValues("tag", "success"))
	ActionsTotal.WithLabelValues("tag", Outcome(true)).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ActionsTotal.WithLabelValues("tag", "success")))
	assert.Equal(t, "failure", Outcome(false))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveTurn("ok", time.Now().Add(-time.Second))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "crmpipe_engine_turns_total"))
	assert.True(t, strings.Contains(body, "crmpipe_engine_turn_duration_seconds"))
}
