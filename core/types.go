// Package core defines the request, result, and wire types shared by the
// batch manager, the worker pool, and the HTTP surface.
package core

// Message is a unit of work on the shared request channel: either a single
// generation request or a batch of coalesced ones.
type Message interface {
	message()
	IDs() []string
}

// GenerationRequest is the internal form of one admitted client request.
// RequestID is server-assigned and identifies a single client stream.
type GenerationRequest struct {
	RequestID      string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	GuidanceScale  float64
	Steps          int
	NumImages      int
	Stream         bool
	Seed           *int64
}

func (*GenerationRequest) message() {}

// IDs returns the single originating request id.
func (r *GenerationRequest) IDs() []string { return []string{r.RequestID} }

// Pixels returns the VRAM admission weight of the request.
func (r *GenerationRequest) Pixels() int {
	return r.Width * r.Height * r.NumImages
}

// BatchKey is the equivalence class for coalescing: every parameter that
// changes the diffusion trajectory or the streaming contract.  Prompts and
// negative prompts may differ freely across members of a batch.
type BatchKey struct {
	Width         int
	Height        int
	GuidanceScale float64
	Steps         int
	Stream        bool
	NumImages     int
	Seeded        bool
	Seed          int64 // meaningful only when Seeded
}

// Key returns the request's batch key.
func (r *GenerationRequest) Key() BatchKey {
	k := BatchKey{
		Width:         r.Width,
		Height:        r.Height,
		GuidanceScale: r.GuidanceScale,
		Steps:         r.Steps,
		Stream:        r.Stream,
		NumImages:     r.NumImages,
	}
	if r.Seed != nil {
		k.Seeded = true
		k.Seed = *r.Seed
	}
	return k
}

// BatchedRequest groups requests sharing a batch key into one pipeline
// invocation.  The parallel slices are aligned by member index.
type BatchedRequest struct {
	BatchID         string
	Prompts         []string
	NegativePrompts []string
	RequestIDs      []string
	NumImages       int // images per member request
	Width           int
	Height          int
	GuidanceScale   float64
	Steps           int
	Stream          bool
	Seeds           []*int64
}

func (*BatchedRequest) message() {}

// IDs returns the originating request ids, in member order.
func (b *BatchedRequest) IDs() []string { return b.RequestIDs }

// EventKind tags a ResultEvent.
type EventKind string

const (
	EventStreamingStep EventKind = "streaming_step"
	EventCompleted     EventKind = "completed"
	EventError         EventKind = "error"
)

// ResultEvent is one worker-emitted event routed to a single client stream.
// Exactly one of Frame, Completed, or Error is populated, per Kind.
type ResultEvent struct {
	RequestID string
	Kind      EventKind
	Frame     *StreamFrame
	Completed *CompletedData
	Error     string
}

// StreamFrame is the SSE wire payload for one streaming step, or one chunk
// of it when the base64 image exceeds the chunk threshold.
type StreamFrame struct {
	Step        int     `json:"step"`
	TotalSteps  int     `json:"total_steps"`
	Progress    float64 `json:"progress"`
	Image       string  `json:"image,omitempty"`
	IsFinal     bool    `json:"is_final"`
	Timestamp   float64 `json:"timestamp"`
	IsChunked   bool    `json:"is_chunked"`
	ChunkID     string  `json:"chunk_id,omitempty"`
	ChunkIndex  *int    `json:"chunk_index,omitempty"`
	TotalChunks *int    `json:"total_chunks,omitempty"`
	ImageIndex  *int    `json:"image_index,omitempty"`
	TotalImages *int    `json:"total_images,omitempty"`
	Seed        *int64  `json:"seed,omitempty"`
}

// CompletedData carries the terminal payload of a non-streaming request.
// Streaming completions carry no data; their terminal state is the final
// is_final frame followed by the stream sentinel.
type CompletedData struct {
	Images []string `json:"images"`
	Seed   int64    `json:"seed"`
}
