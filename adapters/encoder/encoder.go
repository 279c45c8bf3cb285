// Package encoder serialises decoded frames for transport and storage.
//
// Intermediate denoising frames are encoded as JPEG to keep per-step payloads
// small; the final frame of a generation is PNG.
package encoder

import (
	"context"
	"image"
	"sync"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatUnknown Format = "unknown"
)

// Ext returns the filename extension used for stored images of this format.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// Options carries format-specific encoding parameters.
type Options struct {
	Quality int // 1-100; 0 = encoder default
}

// Encoder serialises an image.Image to bytes in a target format.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, opts Options) ([]byte, error)
	CanEncode(format Format) bool
}

// Registry maps Format values to Encoder implementations.
type Registry struct {
	mu       sync.RWMutex
	encoders map[Format]Encoder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{encoders: make(map[Format]Encoder)}
}

// Register binds an encoder to a format, replacing any previous binding.
func (r *Registry) Register(f Format, e Encoder) {
	r.mu.Lock()
	r.encoders[f] = e
	r.mu.Unlock()
}

// For returns the encoder registered for f.
func (r *Registry) For(f Format) (Encoder, bool) {
	r.mu.RLock()
	e, ok := r.encoders[f]
	r.mu.RUnlock()
	return e, ok
}
