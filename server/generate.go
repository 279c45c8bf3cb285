package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/core"
	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/utils"
)

func (s *Server) handleGenerate(c *gin.Context) {
	req := defaultGenerationRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Invalid request body"})
		return
	}
	if detail, ok := validateGeneration(&req); !ok {
		c.JSON(http.StatusBadRequest, errorBody{Detail: detail})
		return
	}

	width, height := utils.ParseSize(req.Size)
	if width*height*req.N >= s.cfg.MaxTotalPixels {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Request exceeds VRAM limits."})
		return
	}

	gen := &core.GenerationRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          width,
		Height:         height,
		GuidanceScale:  req.GuidanceScale,
		Steps:          req.InferenceSteps,
		NumImages:      req.N,
		Stream:         req.Stream,
		Seed:           req.Seed,
	}
	s.logger.Info("image generation request",
		zap.Bool("stream", req.Stream),
		zap.Int("n", req.N),
		zap.String("size", req.Size))

	events, release, err := s.pool.Submit(gen)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Detail: err.Error()})
		return
	}
	defer release()

	if req.Stream {
		s.streamEvents(c, events)
		return
	}

	result, err := s.pool.AwaitCompletion(c.Request.Context(), events)
	if err != nil {
		c.JSON(http.StatusInternalServerError,
			errorBody{Detail: fmt.Sprintf("Generation failed: %v", err)})
		return
	}
	data := make([]imageData, 0, len(result.Images))
	seed := result.Seed
	for _, b64 := range result.Images {
		data = append(data, imageData{B64JSON: b64, Seed: &seed})
	}
	c.JSON(http.StatusOK, generationResponse{Created: time.Now().Unix(), Data: data})
}

func validateGeneration(req *generationRequest) (string, bool) {
	if req.Prompt == "" {
		return "Missing required field: prompt", false
	}
	if req.N < 1 || req.N > 4 {
		return "n must be between 1 and 4", false
	}
	if req.GuidanceScale < 1.0 || req.GuidanceScale > 20.0 {
		return "guidance_scale must be between 1.0 and 20.0", false
	}
	if req.InferenceSteps < 10 || req.InferenceSteps > 150 {
		return "num_inference_steps must be between 10 and 150", false
	}
	return "", true
}

// streamEvents writes the SSE response for one request: one data frame per
// step event, then the [DONE] sentinel.  Errors become one inline error
// frame, still followed by [DONE].
func (s *Server) streamEvents(c *gin.Context, events <-chan core.ResultEvent) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.logger.Error("response writer does not support flushing")
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("client disconnected during stream")
			return
		case ev := <-events:
			switch ev.Kind {
			case core.EventStreamingStep:
				payload, err := json.Marshal(ev.Frame)
				if err != nil {
					s.logger.Error("frame marshal failed", zap.Error(err))
					continue
				}
				if !s.writeSSE(c, flusher, string(payload)) {
					return
				}
			case core.EventCompleted:
				s.writeSSE(c, flusher, "[DONE]")
				return
			case core.EventError:
				errPayload, _ := json.Marshal(gin.H{
					"error":     ev.Error,
					"timestamp": float64(time.Now().UnixNano()) / 1e9,
				})
				s.writeSSE(c, flusher, string(errPayload))
				s.writeSSE(c, flusher, "[DONE]")
				return
			}
		}
	}
}

func (s *Server) writeSSE(c *gin.Context, flusher http.Flusher, data string) bool {
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		s.logger.Info("stream write failed, client gone",
			zap.Error(apperrors.Wrap(apperrors.CategoryInternal, "server.sse", err)))
		return false
	}
	flusher.Flush()
	return true
}
