package server

// generationRequest is the OpenAI-shaped request body for
// POST /v1/images/generations.  Fields absent from the body keep the
// defaults set by defaultGenerationRequest.
type generationRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	N              int     `json:"n"`
	Size           string  `json:"size"`
	Quality        string  `json:"quality"`
	Style          string  `json:"style"`
	ResponseFormat string  `json:"response_format"`
	User           string  `json:"user"`
	Stream         bool    `json:"stream"`
	GuidanceScale  float64 `json:"guidance_scale"`
	InferenceSteps int     `json:"num_inference_steps"`
	Seed           *int64  `json:"seed"`
}

func defaultGenerationRequest() generationRequest {
	return generationRequest{
		N:              1,
		Size:           "1024x1024",
		Quality:        "standard",
		Style:          "natural",
		ResponseFormat: "b64_json",
		GuidanceScale:  5.0,
		InferenceSteps: 50,
	}
}

type imageData struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	Seed          *int64 `json:"seed,omitempty"`
}

type generationResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

type promptRequest struct {
	Prompt     string `json:"prompt"`
	RetryTimes int    `json:"retry_times"`
}

type optimizeResponse struct {
	OriginalPrompt  string `json:"original_prompt"`
	OptimizedPrompt string `json:"optimized_prompt"`
	Success         bool   `json:"success"`
	Message         string `json:"message"`
}

type translateResponse struct {
	OriginalPrompt   string `json:"original_prompt"`
	TranslatedPrompt string `json:"translated_prompt"`
	Success          bool   `json:"success"`
	Message          string `json:"message"`
}

// galleryImage is the API-facing shape of a gallery entry; the on-disk index
// names the url field differently.
type galleryImage struct {
	ID             int     `json:"id"`
	ImageURL       string  `json:"image_url"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Size           string  `json:"size"`
	Seed           int64   `json:"seed"`
	Timestamp      int64   `json:"timestamp"`
	GuidanceScale  float64 `json:"guidance_scale"`
	InferenceSteps int     `json:"num_inference_steps"`
}

type galleryResponse struct {
	Images     []galleryImage `json:"images"`
	TotalCount int            `json:"total_count"`
	Success    bool           `json:"success"`
}

type gallerySaveRequest struct {
	ImageData      string  `json:"image_data"`
	Prompt         string  `json:"prompt"`
	Size           string  `json:"size"`
	NegativePrompt string  `json:"negative_prompt"`
	Seed           *int64  `json:"seed"`
	GuidanceScale  float64 `json:"guidance_scale"`
	InferenceSteps int     `json:"num_inference_steps"`
}

type gallerySaveResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	ImageID  int    `json:"image_id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type galleryDeleteResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	DeletedImageID int    `json:"deleted_image_id"`
}

// errorBody is the uniform error envelope for non-stream failures.
type errorBody struct {
	Detail string `json:"detail"`
}
