package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesBouncerCounters(t *testing.T) {
	IncBouncerVerdict("ban")
	IncBouncerError()
	IncBouncerStreamSync("refresh")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	require.True(t, strings.Contains(body, "charon_bouncer_verdicts_total"))
	require.True(t, strings.Contains(body, "charon_bouncer_errors_total"))
	require.True(t, strings.Contains(body, "charon_bouncer_stream_sync_total"))
}
