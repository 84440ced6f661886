package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	visionapi "google.golang.org/api/vision/v1"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{Endpoint: srv.URL + "/"}, option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client
}

func respond(t *testing.T, w http.ResponseWriter, resp *visionapi.BatchAnnotateImagesResponse) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestExtractText(t *testing.T) {
	image := []byte("fake image bytes")

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req visionapi.BatchAnnotateImagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString(image), req.Requests[0].Image.Content)
		assert.Equal(t, "DOCUMENT_TEXT_DETECTION", req.Requests[0].Features[0].Type)

		respond(t, w, &visionapi.BatchAnnotateImagesResponse{
			Responses: []*visionapi.AnnotateImageResponse{{
				FullTextAnnotation: &visionapi.TextAnnotation{
					Text:  "CORNER STORE\nTOTAL 5.25",
					Pages: []*visionapi.Page{{Confidence: 0.9}, {Confidence: 0.7}},
				},
			}},
		})
	})

	result, err := client.ExtractText(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, "CORNER STORE\nTOTAL 5.25", result.Text)
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
}

func TestExtractText_Failures(t *testing.T) {
	tests := []struct {
		handler http.HandlerFunc
		name    string
		class   common.Class
		breaker bool
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{"code":429}}`, http.StatusTooManyRequests)
			},
			class:   common.ClassProvider,
			breaker: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{"code":503}}`, http.StatusServiceUnavailable)
			},
			class:   common.ClassProvider,
			breaker: true,
		},
		{
			name: "bad credentials",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error":{"code":403}}`, http.StatusForbidden)
			},
			class: common.ClassConfiguration,
		},
		{
			name: "no text",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(&visionapi.BatchAnnotateImagesResponse{Responses: []*visionapi.AnnotateImageResponse{{}}})
			},
			class: common.ClassParse,
		},
		{
			name: "image rejected",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(&visionapi.BatchAnnotateImagesResponse{Responses: []*visionapi.AnnotateImageResponse{{
					Error: &visionapi.Status{Code: 3, Message: "Bad image data."},
				}}})
			},
			class: common.ClassParse,
		},
		{
			name: "quota exhausted",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(&visionapi.BatchAnnotateImagesResponse{Responses: []*visionapi.AnnotateImageResponse{{
					Error: &visionapi.Status{Code: 8, Message: "Quota exceeded."},
				}}})
			},
			class:   common.ClassProvider,
			breaker: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			_, err := client.ExtractText(context.Background(), []byte("img"))
			require.Error(t, err)
			assert.Equal(t, tt.class, common.Classify(err))
			assert.Equal(t, tt.breaker, common.CountsTowardBreaker(err))
		})
	}
}

func TestExtractText_Cancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		respond(t, w, &visionapi.BatchAnnotateImagesResponse{})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ExtractText(ctx, []byte("img"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, common.CountsTowardBreaker(err))
}
