// Package worker hosts the GPU worker loop and the pool supervising it.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/adapters/encoder"
	"github.com/Skryldev/imagegen-server/core"
	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/metrics"
	"github.com/Skryldev/imagegen-server/pipeline"
	"github.com/Skryldev/imagegen-server/utils"
)

// Worker owns one device and one loaded pipeline.  It consumes one message
// at a time from the shared request channel and emits result events to the
// mailbox registry.
type Worker struct {
	id             int
	device         int
	modelPath      string
	factory        pipeline.Factory
	requests       <-chan core.Message
	mailboxes      *core.MailboxRegistry
	encoders       *encoder.Registry
	jpegQuality    int
	chunkThreshold int
	stagger        time.Duration
	onReady        func(id int)
	logger         *zap.Logger

	pipe pipeline.Pipeline
}

// Run loads the pipeline, reports readiness, and processes messages until
// the request channel closes or ctx is cancelled.  A worker whose load fails
// never reports ready and returns the load error.
func (w *Worker) Run(ctx context.Context) error {
	// Stagger startups so concurrent device initialization does not contend.
	if w.stagger > 0 {
		select {
		case <-time.After(w.stagger * time.Duration(w.id)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.logger.Info("loading pipeline",
		zap.String("model_path", w.modelPath),
		zap.Int("device", w.device))
	pipe, err := w.factory.Load(ctx, w.modelPath, w.device)
	if err != nil {
		w.logger.Error("pipeline load failed", zap.Error(err))
		return err
	}
	w.pipe = pipe
	defer w.pipe.Close()

	w.logger.Info("pipeline loaded, worker ready")
	w.onReady(w.id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-w.requests:
			if !ok {
				w.logger.Info("request channel closed, worker exiting")
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

// handle dispatches one message on a fresh pipeline view so scheduler state
// never leaks between messages.
func (w *Worker) handle(ctx context.Context, msg core.Message) {
	view := w.pipe.View()
	defer view.Close()

	switch m := msg.(type) {
	case *core.GenerationRequest:
		w.logger.Info("processing request",
			zap.String("request_id", m.RequestID),
			zap.Bool("stream", m.Stream))
		params := singleParams(m)
		metrics.PipelineInvocations.WithLabelValues("single").Inc()
		w.generate(ctx, view, params, []string{m.RequestID}, m.Stream)
	case *core.BatchedRequest:
		w.logger.Info("processing batched request",
			zap.String("batch_id", m.BatchID),
			zap.Int("members", len(m.Prompts)),
			zap.Bool("stream", m.Stream))
		params := batchParams(m)
		metrics.PipelineInvocations.WithLabelValues("batched").Inc()
		w.generate(ctx, view, params, m.RequestIDs, m.Stream)
	default:
		w.logger.Error("unknown message type on request channel")
	}
}

// generate runs one pipeline invocation and emits all events for it.  Every
// originating request id receives exactly one terminal event.
func (w *Worker) generate(ctx context.Context, pipe pipeline.Pipeline, p pipeline.Params, requestIDs []string, stream bool) {
	start := time.Now()

	var onStep pipeline.StepFn
	if stream {
		onStep = func(step int, images []image.Image) {
			w.emitStep(p, requestIDs, step, images)
		}
	}

	final, err := pipe.Generate(ctx, p, onStep)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error("pipeline invocation failed", zap.Error(err))
		metrics.GenerationErrors.WithLabelValues(string(apperrors.CategoryModel)).Inc()
		for _, id := range requestIDs {
			w.mailboxes.Deliver(core.ResultEvent{
				RequestID: id,
				Kind:      core.EventError,
				Error:     err.Error(),
			})
		}
		return
	}

	if stream {
		// Streaming terminal state is the final is_final frame already sent;
		// completed carries no payload.
		for _, id := range requestIDs {
			w.mailboxes.Deliver(core.ResultEvent{RequestID: id, Kind: core.EventCompleted})
		}
		return
	}

	// Non-streaming: slice the output per originating request and report the
	// seed actually used for that member's slots.
	n := p.NumImagesPerPrompt
	for i, id := range requestIDs {
		slice := final[i*n : (i+1)*n]
		images := make([]string, 0, len(slice))
		failed := false
		for _, img := range slice {
			data, encErr := w.encodeFrame(ctx, img, true)
			if encErr != nil {
				w.logger.Error("final image encode failed",
					zap.String("request_id", id), zap.Error(encErr))
				metrics.GenerationErrors.WithLabelValues(string(apperrors.CategoryEncode)).Inc()
				w.mailboxes.Deliver(core.ResultEvent{
					RequestID: id,
					Kind:      core.EventError,
					Error:     encErr.Error(),
				})
				failed = true
				break
			}
			images = append(images, base64.StdEncoding.EncodeToString(data))
		}
		if failed {
			continue
		}
		w.mailboxes.Deliver(core.ResultEvent{
			RequestID: id,
			Kind:      core.EventCompleted,
			Completed: &core.CompletedData{Images: images, Seed: p.Seeds[i]},
		})
	}
}

// emitStep encodes every output slot of one denoising step and fans the
// frames out to all originating requests.  Encode failures are step-local:
// the frame is skipped and generation continues.
func (w *Worker) emitStep(p pipeline.Params, requestIDs []string, step int, images []image.Image) {
	isFinal := step == p.Steps-1
	for imageIdx, img := range images {
		data, err := w.encodeFrame(context.Background(), img, isFinal)
		if err != nil {
			w.logger.Warn("step frame encode failed, skipping frame",
				zap.Int("step", step),
				zap.Int("image_index", imageIdx),
				zap.Error(err))
			continue
		}
		b64 := base64.StdEncoding.EncodeToString(data)
		w.emitFrames(p, requestIDs, step, imageIdx, isFinal, b64)
	}
}

// emitFrames delivers one image's frame (chunked when the base64 payload
// exceeds the threshold) to every originating request.  Each recipient's
// copy carries its own seed.
func (w *Worker) emitFrames(p pipeline.Params, requestIDs []string, step, imageIdx int, isFinal bool, b64 string) {
	chunks := utils.SplitChunks(b64, w.chunkThreshold)
	chunked := len(chunks) > 1
	progress := float64(step+1) / float64(p.Steps)
	now := float64(time.Now().UnixNano()) / 1e9
	totalImages := p.NumImagesPerPrompt
	totalChunks := len(chunks)

	for memberIdx, id := range requestIDs {
		seed := p.Seeds[memberIdx]
		base := core.StreamFrame{
			Step:        step,
			TotalSteps:  p.Steps,
			Progress:    progress,
			IsFinal:     isFinal,
			Timestamp:   now,
			ImageIndex:  intPtr(imageIdx),
			TotalImages: intPtr(totalImages),
			Seed:        &seed,
		}
		if !chunked {
			frame := base
			frame.Image = b64
			w.deliverFrame(id, frame)
			continue
		}
		chunkID := fmt.Sprintf("%s_step_%d_img_%d_%d", id, step, imageIdx, time.Now().UnixMilli())
		for ci, chunk := range chunks {
			frame := base
			frame.Image = chunk
			frame.IsChunked = true
			frame.ChunkID = chunkID
			frame.ChunkIndex = intPtr(ci)
			frame.TotalChunks = intPtr(totalChunks)
			w.deliverFrame(id, frame)
		}
	}
}

func (w *Worker) deliverFrame(id string, frame core.StreamFrame) {
	delivered := w.mailboxes.Deliver(core.ResultEvent{
		RequestID: id,
		Kind:      core.EventStreamingStep,
		Frame:     &frame,
	})
	if delivered {
		metrics.FramesEmitted.Inc()
	}
}

// encodeFrame serialises one decoded frame: PNG for final images, JPEG for
// intermediates.
func (w *Worker) encodeFrame(ctx context.Context, img image.Image, isFinal bool) ([]byte, error) {
	format := encoder.FormatJPEG
	opts := encoder.Options{Quality: w.jpegQuality}
	if isFinal {
		format = encoder.FormatPNG
		opts = encoder.Options{}
	}
	enc, ok := w.encoders.For(format)
	if !ok {
		return nil, apperrors.Newf(apperrors.CategoryEncode, "worker.encode",
			"no encoder registered for %s", format)
	}
	return enc.Encode(ctx, img, opts)
}

// singleParams resolves one request into invocation parameters, synthesizing
// a wall-clock seed when the client supplied none.
func singleParams(r *core.GenerationRequest) pipeline.Params {
	return pipeline.Params{
		Prompts:            []string{r.Prompt},
		NegativePrompts:    []string{r.NegativePrompt},
		Width:              r.Width,
		Height:             r.Height,
		GuidanceScale:      r.GuidanceScale,
		Steps:              r.Steps,
		NumImagesPerPrompt: r.NumImages,
		Seeds:              []int64{resolveSeed(r.Seed, 0)},
	}
}

// batchParams aligns batch members into invocation parameters with
// independent per-slot seeds.
func batchParams(b *core.BatchedRequest) pipeline.Params {
	seeds := make([]int64, len(b.Prompts))
	for i := range b.Prompts {
		var s *int64
		if i < len(b.Seeds) {
			s = b.Seeds[i]
		}
		seeds[i] = resolveSeed(s, i)
	}
	negatives := make([]string, len(b.Prompts))
	copy(negatives, b.NegativePrompts)
	return pipeline.Params{
		Prompts:            b.Prompts,
		NegativePrompts:    negatives,
		Width:              b.Width,
		Height:             b.Height,
		GuidanceScale:      b.GuidanceScale,
		Steps:              b.Steps,
		NumImagesPerPrompt: b.NumImages,
		Seeds:              seeds,
	}
}

// resolveSeed honors a client seed, otherwise synthesizes a 32-bit seed from
// wall-clock milliseconds, offset by slot so unseeded batch members differ.
func resolveSeed(seed *int64, slot int) int64 {
	if seed != nil {
		return *seed
	}
	return (time.Now().UnixMilli() + int64(slot)) % (1 << 32)
}

func intPtr(v int) *int { return &v }
