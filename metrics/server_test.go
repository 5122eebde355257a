package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/strom-network/strom/lib"
)

func TestMetricsServerDisabledIsNoOp(t *testing.T) {
	config := lib.DefaultConfig()
	config.MetricsEnabled = false
	s := NewMetricsServer(config, lib.NewNullLogger())
	require.Nil(t, s)
	// a nil server is safe to drive
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestMetricsServerServesFamilies(t *testing.T) {
	UpdateRoundHeight(42)
	s := NewMetricsServer(lib.DefaultConfig(), lib.NewNullLogger())
	require.NotNil(t, s)
	recorder := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, recorder.Code)
	require.Contains(t, recorder.Body.String(), "strom_round_height 42")
}
