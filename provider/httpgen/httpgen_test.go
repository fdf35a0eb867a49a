package httpgen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/provider/httpgen"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generations", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "flux-pro", body["model"])
		assert.Equal(t, "image", body["task_type"])
		assert.Equal(t, "a red fox", body["prompt"])
		assert.EqualValues(t, 2, body["n"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-1","model":"flux-pro","data":[
			{"url":"https://cdn.example/1.png","mime_type":"image/png"},
			{"url":"https://cdn.example/2.png","mime_type":"image/png"}]}`))
	}))
	defer srv.Close()

	p := httpgen.New("fal", srv.URL+"/v1/", httpgen.WithAPIKey("sk-test"), httpgen.WithModels("flux-pro"))
	assert.True(t, p.SupportsModel("flux-pro"))
	assert.False(t, p.SupportsModel("kling"))

	resp, err := p.Generate(context.Background(), creditgate.ProviderRequest{
		Model:    "flux-pro",
		TaskType: creditgate.TaskImage,
		Prompt:   "a red fox",
		Count:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", resp.ID)
	require.Len(t, resp.Assets, 2)
	assert.Equal(t, "https://cdn.example/2.png", resp.Assets[1].URL)
}

func TestGenerateMapsHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, creditgate.ErrProviderRateLimited},
		{http.StatusUnauthorized, creditgate.ErrProviderAuthFailed},
		{http.StatusForbidden, creditgate.ErrProviderAuthFailed},
		{http.StatusBadRequest, creditgate.ErrProviderRejected},
		{http.StatusBadGateway, creditgate.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := httpgen.New("p", srv.URL).Generate(context.Background(), creditgate.ProviderRequest{Model: "m"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGenerateEmptyDataIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","data":[]}`))
	}))
	defer srv.Close()

	_, err := httpgen.New("p", srv.URL).Generate(context.Background(), creditgate.ProviderRequest{Model: "m"})
	assert.ErrorIs(t, err, creditgate.ErrProviderUnavailable)
	assert.True(t, creditgate.IsRetryable(err))
}

func TestGenerateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := httpgen.New("p", url).Generate(context.Background(), creditgate.ProviderRequest{Model: "m"})
	assert.ErrorIs(t, err, creditgate.ErrProviderUnavailable)
}
