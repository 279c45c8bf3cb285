// Package pipeline defines the contract between the worker pool and the
// text-to-image diffusion model.  The model itself is an external
// collaborator; only its invocation surface lives here.
package pipeline

import (
	"context"
	"image"
)

// Params is the full parameter tuple of one pipeline invocation.  The prompt
// slices are aligned by slot; a batched invocation carries one slot per
// member request.
type Params struct {
	Prompts            []string
	NegativePrompts    []string // "" means no negative prompt for that slot
	Width              int
	Height             int
	GuidanceScale      float64
	Steps              int
	NumImagesPerPrompt int
	Seeds              []int64 // one per prompt slot, already resolved
}

// OutputCount returns the total number of images the invocation produces.
func (p Params) OutputCount() int {
	return len(p.Prompts) * p.NumImagesPerPrompt
}

// StepFn observes one denoising step.  images holds the decoded preview for
// every output slot, prompt-major: slot i*NumImagesPerPrompt+j is image j of
// prompt i.  The final step's images equal the invocation's return value.
type StepFn func(step int, images []image.Image)

// Pipeline is a loaded model ready to generate.  One Pipeline belongs to one
// worker; invocations are fully blocking and never multiplexed.
type Pipeline interface {
	// Generate runs one invocation, calling onStep (when non-nil) on every
	// denoising step, and returns the final images in slot order.
	Generate(ctx context.Context, p Params, onStep StepFn) ([]image.Image, error)

	// View derives a handle that shares the loaded weights but owns fresh
	// scheduler state, isolating one message's trajectory from the next.
	// Close the view after the message completes.
	View() Pipeline

	// Close releases the handle's resources.
	Close()
}

// Factory loads a pipeline onto a device.  The worker pool calls it once per
// worker at startup.
type Factory interface {
	Load(ctx context.Context, modelPath string, device int) (Pipeline, error)
}
