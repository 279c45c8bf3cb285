package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/imagegen-server/adapters/encoder"
	"github.com/Skryldev/imagegen-server/config"
	"github.com/Skryldev/imagegen-server/core"
	"github.com/Skryldev/imagegen-server/gallery"
	"github.com/Skryldev/imagegen-server/pipeline"
	"github.com/Skryldev/imagegen-server/prompt"
	"github.com/Skryldev/imagegen-server/worker"
)

func testEncoders() *encoder.Registry {
	reg := encoder.NewRegistry()
	reg.Register(encoder.FormatJPEG, &encoder.JPEG{DefaultQuality: 90})
	reg.Register(encoder.FormatPNG, &encoder.PNG{})
	return reg
}

// newTestServer stands up a full stack on the simulated pipeline.  mutate may
// adjust the config before anything starts.
func newTestServer(t *testing.T, rewriterURL string, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.NumWorkers = 1
	cfg.StartupStagger = 0
	cfg.BatchTimeout = 30 * time.Millisecond
	cfg.StaticDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	encoders := testEncoders()
	pool := worker.NewPool(cfg, &pipeline.SimulatedFactory{}, encoders, nil)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Shutdown(5 * time.Second) })

	store := gallery.NewStore(cfg.StaticDir, encoders, nil)
	rewriter := prompt.NewClient(rewriterURL, "", "glm-4-9b-chat", nil)
	return New(cfg, pool, store, rewriter, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func genBody(overrides map[string]any) map[string]any {
	body := map[string]any{
		"prompt":              "a red fox",
		"size":                "64x64",
		"num_inference_steps": 10,
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

func TestGenerateValidation(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing prompt", genBody(map[string]any{"prompt": ""})},
		{"n too large", genBody(map[string]any{"n": 5})},
		{"n zero", genBody(map[string]any{"n": 0})},
		{"guidance too low", genBody(map[string]any{"guidance_scale": 0.5})},
		{"guidance too high", genBody(map[string]any{"guidance_scale": 20.5})},
		{"steps below minimum", genBody(map[string]any{"num_inference_steps": 9})},
		{"steps above maximum", genBody(map[string]any{"num_inference_steps": 151})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/v1/images/generations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Detail)
		})
	}
}

func TestGenerateVRAMRejection(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", func(cfg *config.Config) {
		cfg.MaxTotalPixels = 1024 * 1024
	})

	w := doJSON(t, srv, http.MethodPost, "/v1/images/generations",
		genBody(map[string]any{"size": "1024x1024"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VRAM")

	// Malformed size falls back to 1024x1024 and trips the same cap.
	w = doJSON(t, srv, http.MethodPost, "/v1/images/generations",
		genBody(map[string]any{"size": "not-a-size"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VRAM")
}

func TestGenerateNonStreaming(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/images/generations",
		genBody(map[string]any{"seed": 7, "n": 2}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp generationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotZero(t, resp.Created)
	require.Len(t, resp.Data, 2)
	for _, d := range resp.Data {
		require.NotNil(t, d.Seed)
		assert.Equal(t, int64(7), *d.Seed)
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
	}
}

func TestGenerateStreaming(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/images/generations",
		genBody(map[string]any{"stream": true, "seed": 7}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	lines := []string{}
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, lines)
	require.Equal(t, "[DONE]", lines[len(lines)-1], "stream must end with the sentinel")

	var frames []core.StreamFrame
	for _, payload := range lines[:len(lines)-1] {
		var f core.StreamFrame
		require.NoError(t, json.Unmarshal([]byte(payload), &f))
		frames = append(frames, f)
	}
	require.NotEmpty(t, frames)

	lastStep := -1
	for _, f := range frames {
		assert.GreaterOrEqual(t, f.Step, lastStep)
		lastStep = f.Step
		assert.Equal(t, 10, f.TotalSteps)
	}
	last := frames[len(frames)-1]
	assert.True(t, last.IsFinal)
	assert.Equal(t, 1.0, last.Progress)
}

func TestModelsEndpoint(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	w := doJSON(t, srv, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cogview4-6b")
	assert.Contains(t, w.Body.String(), "thudm")
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	require.Eventually(t, func() bool {
		w := doJSON(t, srv, http.MethodGet, "/health", nil)
		return strings.Contains(w.Body.String(), `"status":"healthy"`)
	}, 5*time.Second, 20*time.Millisecond)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, float64(1), health["workers_ready"])
	assert.Equal(t, float64(1), health["total_workers"])

	w = doJSON(t, srv, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, serverVersion, status["server_version"])
	poolInfo := status["worker_pool"].(map[string]any)
	assert.Equal(t, float64(0), poolInfo["active_requests"])
}

func TestPromptOptimize(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"an extremely detailed red fox"}}]}`)
	}))
	defer llm.Close()

	srv := newTestServer(t, llm.URL, nil)
	w := doJSON(t, srv, http.MethodPost, "/v1/prompt/optimize",
		map[string]any{"prompt": "a fox", "retry_times": 1})
	require.Equal(t, http.StatusOK, w.Code)

	var resp optimizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "a fox", resp.OriginalPrompt)
	assert.Equal(t, "an extremely detailed red fox", resp.OptimizedPrompt)
}

func TestPromptTranslateNeverFailsHard(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer llm.Close()

	srv := newTestServer(t, llm.URL, nil)
	w := doJSON(t, srv, http.MethodPost, "/v1/prompt/translate",
		map[string]any{"prompt": "a fox", "retry_times": 1})
	require.Equal(t, http.StatusOK, w.Code, "rewriter failure must not surface as an error")

	var resp translateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "a fox", resp.TranslatedPrompt)
}

func TestPromptMissingField(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)
	w := doJSON(t, srv, http.MethodPost, "/v1/prompt/optimize", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func testPNGBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestGalleryLifecycle(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	// Save.
	w := doJSON(t, srv, http.MethodPost, "/v1/gallery/save", map[string]any{
		"image_data": testPNGBase64(t),
		"prompt":     "saved fox",
		"size":       "8x8",
		"seed":       42,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var saved gallerySaveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.True(t, saved.Success)
	assert.Equal(t, 1, saved.ImageID)

	// List includes it.
	w = doJSON(t, srv, http.MethodGet, "/v1/gallery", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed galleryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Equal(t, 1, listed.TotalCount)
	assert.Equal(t, "saved fox", listed.Images[0].Prompt)
	assert.Equal(t, int64(42), listed.Images[0].Seed)

	// Delete.
	w = doJSON(t, srv, http.MethodDelete, "/v1/gallery/delete/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/gallery", nil)
	var afterDelete galleryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &afterDelete))
	assert.Equal(t, 0, afterDelete.TotalCount)

	// Second delete is a 404.
	w = doJSON(t, srv, http.MethodDelete, "/v1/gallery/delete/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGallerySaveMissingFields(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	tests := []map[string]any{
		{"prompt": "p", "size": "8x8"},
		{"image_data": testPNGBase64(t), "size": "8x8"},
		{"image_data": testPNGBase64(t), "prompt": "p"},
	}
	for _, body := range tests {
		w := doJSON(t, srv, http.MethodPost, "/v1/gallery/save", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestGallerySaveBadBase64(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/gallery/save", map[string]any{
		"image_data": "!!! not base64 !!!",
		"prompt":     "p",
		"size":       "8x8",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRedirects(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	w := doJSON(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/static/index.html", w.Header().Get("Location"))

	w = doJSON(t, srv, http.MethodGet, "/gallery", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/static/gallery.html", w.Header().Get("Location"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/images/generations", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:0", nil)

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "imagegen_")
}
