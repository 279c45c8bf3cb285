package pipeline

import (
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand"
	"time"

	xdraw "golang.org/x/image/draw"

	apperrors "github.com/Skryldev/imagegen-server/errors"
)

// latentScale mirrors the VAE downsampling factor: intermediate previews are
// rendered at 1/8 resolution and upsampled.
const latentScale = 8

// Simulated is a deterministic stand-in for the diffusion model: each output
// slot walks from seeded noise toward a prompt-derived gradient over the
// requested number of steps.  Identical (prompt, seed, geometry, guidance,
// steps) tuples produce identical images, which is what the serving tests
// need from the model side.
type Simulated struct {
	// StepDelay throttles each denoising step, approximating model latency.
	// Zero means run flat out.
	StepDelay time.Duration
}

// SimulatedFactory loads Simulated pipelines after an optional artificial
// load delay, letting tests exercise readiness transitions.
type SimulatedFactory struct {
	LoadDelay time.Duration
	StepDelay time.Duration

	// FailDevices lists device indices whose load fails, for testing the
	// reduced-pool path.
	FailDevices []int
}

func (f *SimulatedFactory) Load(ctx context.Context, modelPath string, device int) (Pipeline, error) {
	for _, d := range f.FailDevices {
		if d == device {
			return nil, apperrors.Newf(apperrors.CategoryModel, "pipeline.load",
				"device %d unavailable", device)
		}
	}
	if f.LoadDelay > 0 {
		select {
		case <-time.After(f.LoadDelay):
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.CategoryModel, "pipeline.load", ctx.Err())
		}
	}
	return &Simulated{StepDelay: f.StepDelay}, nil
}

// View returns a scheduler-isolated handle.  The simulated model keeps no
// shared mutable state, so a view is the pipeline itself.
func (s *Simulated) View() Pipeline { return s }

func (s *Simulated) Close() {}

func (s *Simulated) Generate(ctx context.Context, p Params, onStep StepFn) ([]image.Image, error) {
	if len(p.Prompts) == 0 || p.Steps <= 0 {
		return nil, apperrors.New(apperrors.CategoryModel, "pipeline.generate", apperrors.ErrEmptyInput)
	}
	if len(p.Seeds) != len(p.Prompts) {
		return nil, apperrors.Newf(apperrors.CategoryModel, "pipeline.generate",
			"seeds/prompts length mismatch: %d != %d", len(p.Seeds), len(p.Prompts))
	}

	slots := make([]*slotState, 0, p.OutputCount())
	for i, prompt := range p.Prompts {
		for j := 0; j < p.NumImagesPerPrompt; j++ {
			slots = append(slots, newSlotState(prompt, p.Seeds[i], j, p))
		}
	}

	var final []image.Image
	for step := 0; step < p.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryModel, "pipeline.generate", err)
		}
		if s.StepDelay > 0 {
			select {
			case <-time.After(s.StepDelay):
			case <-ctx.Done():
				return nil, apperrors.Wrap(apperrors.CategoryModel, "pipeline.generate", ctx.Err())
			}
		}

		isFinal := step == p.Steps-1
		images := make([]image.Image, len(slots))
		for i, slot := range slots {
			images[i] = slot.render(step, p.Steps, isFinal)
		}
		if isFinal {
			final = images
		}
		if onStep != nil {
			onStep(step, images)
		}
	}
	return final, nil
}

// slotState holds one output slot's RNG and target pattern.
type slotState struct {
	rng    *rand.Rand
	width  int
	height int
	// Gradient endpoints derived from the prompt; guidance sharpens the
	// contrast between them.
	c0, c1 color.RGBA
	angle  float64
}

func newSlotState(prompt string, seed int64, imageIdx int, p Params) *slotState {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	promptHash := h.Sum64()

	// Each image of a prompt gets its own RNG stream off the slot seed.
	rng := rand.New(rand.NewSource(seed + int64(imageIdx)))

	contrast := 0.5 + p.GuidanceScale/40.0 // guidance 1..20 → 0.525..1.0
	base := float64(promptHash%255) / 255.0
	return &slotState{
		rng:    rng,
		width:  p.Width,
		height: p.Height,
		c0:     gradColor(promptHash, 0, contrast),
		c1:     gradColor(promptHash, 1, contrast),
		angle:  base * 2 * math.Pi,
	}
}

func gradColor(h uint64, end int, contrast float64) color.RGBA {
	shift := uint(end * 24)
	r := float64((h>>(shift+0))&0xFF) / 255.0
	g := float64((h>>(shift+8))&0xFF) / 255.0
	b := float64((h>>(shift+16))&0xFF) / 255.0
	if end == 1 {
		r, g, b = 1-r*contrast, 1-g*contrast, 1-b*contrast
	} else {
		r, g, b = r*contrast, g*contrast, b*contrast
	}
	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}

// render produces the slot's preview for one step.  Intermediate steps draw
// into the latent-resolution grid and upsample; the final step renders the
// target at full resolution with no residual noise.
func (s *slotState) render(step, totalSteps int, isFinal bool) image.Image {
	if isFinal {
		return s.renderAt(s.width, s.height, 0)
	}
	noise := 1.0 - float64(step+1)/float64(totalSteps)
	lw, lh := s.width/latentScale, s.height/latentScale
	if lw < 1 {
		lw = 1
	}
	if lh < 1 {
		lh = 1
	}
	latent := s.renderAt(lw, lh, noise)
	full := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	xdraw.BiLinear.Scale(full, full.Bounds(), latent, latent.Bounds(), xdraw.Src, nil)
	return full
}

func (s *slotState) renderAt(w, h int, noise float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	cos, sin := math.Cos(s.angle), math.Sin(s.angle)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Position along the gradient axis, normalized to [0,1].
			t := (float64(x)/float64(w)*cos + float64(y)/float64(h)*sin + 1) / 2
			px := color.RGBA{
				R: s.channel(float64(s.c0.R), float64(s.c1.R), t, noise),
				G: s.channel(float64(s.c0.G), float64(s.c1.G), t, noise),
				B: s.channel(float64(s.c0.B), float64(s.c1.B), t, noise),
				A: 255,
			}
			img.SetRGBA(x, y, px)
		}
	}
	return img
}

func (s *slotState) channel(a, b, t, noise float64) uint8 {
	v := a + (b-a)*t
	if noise > 0 {
		v = v*(1-noise) + s.rng.Float64()*255*noise
	}
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// compile-time interface checks
var (
	_ Pipeline = (*Simulated)(nil)
	_ Factory  = (*SimulatedFactory)(nil)
)
