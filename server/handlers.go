package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/gallery"
)

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{{
			"id":         "cogview4-6b",
			"object":     "model",
			"created":    time.Now().Unix(),
			"owned_by":   "thudm",
			"permission": []any{},
			"root":       "cogview4-6b",
			"parent":     nil,
		}},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "unhealthy"
	if s.pool.IsReady() {
		status = "healthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                  status,
		"worker_pool_initialized": true,
		"workers_ready":           s.pool.WorkersReady(),
		"total_workers":           s.pool.TotalWorkers(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server_version": serverVersion,
		"worker_pool": gin.H{
			"initialized":     true,
			"num_workers":     s.pool.TotalWorkers(),
			"workers_ready":   s.pool.WorkersReady(),
			"active_requests": s.pool.ActiveRequests(),
		},
	})
}

func (s *Server) handleOptimize(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Missing required field: prompt"})
		return
	}
	optimized, ok := s.rewriter.Optimize(c.Request.Context(), req.Prompt, req.RetryTimes)
	message := "Prompt optimized successfully"
	if !ok {
		message = "Failed to optimize prompt"
	}
	c.JSON(http.StatusOK, optimizeResponse{
		OriginalPrompt:  req.Prompt,
		OptimizedPrompt: optimized,
		Success:         ok,
		Message:         message,
	})
}

func (s *Server) handleTranslate(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Missing required field: prompt"})
		return
	}
	translated, ok := s.rewriter.Translate(c.Request.Context(), req.Prompt, req.RetryTimes)
	message := "Prompt translated successfully"
	if !ok {
		message = "Failed to translate prompt"
	}
	c.JSON(http.StatusOK, translateResponse{
		OriginalPrompt:   req.Prompt,
		TranslatedPrompt: translated,
		Success:          ok,
		Message:          message,
	})
}

func (s *Server) handleGalleryList(c *gin.Context) {
	entries, err := s.store.List()
	if err != nil {
		s.logger.Error("gallery list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Detail: "Gallery request failed"})
		return
	}
	images := make([]galleryImage, 0, len(entries))
	for _, e := range entries {
		images = append(images, galleryImage{
			ID:             e.ID,
			ImageURL:       e.URL,
			Prompt:         e.Prompt,
			NegativePrompt: e.NegativePrompt,
			Size:           e.Size,
			Seed:           e.Seed,
			Timestamp:      e.Timestamp,
			GuidanceScale:  e.GuidanceScale,
			InferenceSteps: e.InferenceSteps,
		})
	}
	c.JSON(http.StatusOK, galleryResponse{
		Images:     images,
		TotalCount: len(images),
		Success:    true,
	})
}

func (s *Server) handleGallerySave(c *gin.Context) {
	var req gallerySaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Invalid request body"})
		return
	}
	if req.ImageData == "" {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Missing required field: image_data"})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Missing required field: prompt"})
		return
	}
	if req.Size == "" {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Missing required field: size"})
		return
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = 5.0
	}
	if req.InferenceSteps == 0 {
		req.InferenceSteps = 20
	}

	result, err := s.store.Save(c.Request.Context(), gallery.SaveRequest{
		ImageData:      req.ImageData,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Size:           req.Size,
		Seed:           req.Seed,
		GuidanceScale:  req.GuidanceScale,
		InferenceSteps: req.InferenceSteps,
	})
	if err != nil {
		s.logger.Error("gallery save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Detail: "Save to gallery failed"})
		return
	}
	c.JSON(http.StatusOK, gallerySaveResponse{
		Success:  true,
		Message:  "Image saved to gallery successfully",
		ImageID:  result.ImageID,
		Filename: result.Filename,
		URL:      result.URL,
	})
}

func (s *Server) handleGalleryDelete(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Detail: "Invalid image id"})
		return
	}
	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody{Detail: "Image not found"})
			return
		}
		s.logger.Error("gallery delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Detail: "Delete from gallery failed"})
		return
	}
	c.JSON(http.StatusOK, galleryDeleteResponse{
		Success:        true,
		Message:        "Image deleted successfully",
		DeletedImageID: id,
	})
}
