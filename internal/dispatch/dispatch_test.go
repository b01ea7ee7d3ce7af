package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

func TestHTTPDispatcherPostsStageRequest(t *testing.T) {
	var (
		gotPath string
		gotReq  models.StageRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL + "/")
	req := models.StageRequest{CorrelationID: "cid-1", JobID: "job-1", Source: &models.Location{Bucket: "b", Key: "k.pdf"}}

	require.NoError(t, d.Dispatch(context.Background(), models.StageValidate, req))
	assert.Equal(t, "/stages/validate", gotPath)
	assert.Equal(t, req, gotReq)
}

func TestFireAndForgetReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL)
	assert.False(t, FireAndForget(context.Background(), d, models.StageReconcile, models.StageRequest{CorrelationID: "cid-1"}))
}
