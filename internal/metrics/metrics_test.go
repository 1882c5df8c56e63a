package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreServed(t *testing.T) {
	before := testutil.ToFloat64(BidsTotal.WithLabelValues("accepted"))
	BidsTotal.WithLabelValues("accepted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(BidsTotal.WithLabelValues("accepted")))

	Handoffs.WithLabelValues("delivered").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `livebid_bids_total{outcome="accepted"}`)
	assert.Contains(t, string(body), `livebid_handoffs_total{status="delivered"}`)
}
