// Package gallery persists saved images as files on disk plus a JSON index.
package gallery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/adapters/encoder"
	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/utils"
)

// jpegSaveQuality is used when re-encoding JPEG uploads for the gallery.
const jpegSaveQuality = 85

// Entry is one gallery record as stored in the index.
type Entry struct {
	ID             int     `json:"id"`
	URL            string  `json:"url"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Size           string  `json:"size"`
	Seed           int64   `json:"seed"`
	Timestamp      int64   `json:"timestamp"`
	GuidanceScale  float64 `json:"guidance_scale"`
	InferenceSteps int     `json:"num_inference_steps"`
}

// SaveRequest carries everything needed to persist one image.
type SaveRequest struct {
	ImageData      string // base64
	Prompt         string
	NegativePrompt string
	Size           string
	Seed           *int64
	GuidanceScale  float64
	InferenceSteps int
}

// SaveResult reports where the image landed.
type SaveResult struct {
	ImageID  int
	Filename string
	URL      string
}

type index struct {
	Images []Entry `json:"images"`
}

// Store owns the on-disk gallery: image files under <staticDir>/images and a
// JSON index beside them.  Writes are serialized by a single mutex; reads
// take no lock and may observe the previous snapshot.
type Store struct {
	dir      string // <staticDir>/images
	encoders *encoder.Registry
	logger   *zap.Logger

	mu sync.Mutex
}

// NewStore creates a Store rooted at staticDir.  The images directory is
// created lazily on first save.
func NewStore(staticDir string, encoders *encoder.Registry, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:      filepath.Join(staticDir, "images"),
		encoders: encoders,
		logger:   logger.Named("gallery"),
	}
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "gallery.json") }

// List returns every entry in the index.  A missing index means an empty
// gallery, not an error.
func (s *Store) List() ([]Entry, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "gallery.list", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "gallery.list", err)
	}
	if idx.Images == nil {
		idx.Images = []Entry{}
	}
	return idx.Images, nil
}

// Save decodes the image, writes it to disk, and appends an index entry.
// If the index rewrite fails the image file is unlinked again so the two
// never diverge.
func (s *Store) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	raw, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "gallery.save", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "gallery.save", err)
	}

	now := time.Now().Unix()
	format := encoder.Format(utils.DetectFormat(raw))
	filename := fmt.Sprintf("image-%d.%s", now, format.Ext())
	filePath := filepath.Join(s.dir, filename)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeImage(ctx, filePath, raw, format); err != nil {
		return nil, err
	}

	idx, err := s.readIndex()
	if err != nil {
		_ = os.Remove(filePath)
		return nil, err
	}
	nextID := 1
	for _, e := range idx.Images {
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	seed := int64(rand.Int31())
	if req.Seed != nil {
		seed = *req.Seed
	}
	url := "/static/images/" + filename
	idx.Images = append(idx.Images, Entry{
		ID:             nextID,
		URL:            url,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Size:           req.Size,
		Seed:           seed,
		Timestamp:      now,
		GuidanceScale:  req.GuidanceScale,
		InferenceSteps: req.InferenceSteps,
	})
	if err := s.writeIndex(idx); err != nil {
		if rmErr := os.Remove(filePath); rmErr != nil {
			s.logger.Error("orphan image left behind after index failure",
				zap.String("path", filePath), zap.Error(rmErr))
		}
		return nil, err
	}

	s.logger.Info("image saved to gallery",
		zap.Int("image_id", nextID),
		zap.String("filename", filename))
	return &SaveResult{ImageID: nextID, Filename: filename, URL: url}, nil
}

// Delete removes the entry and its file.  The file removal is best-effort;
// an unknown id is ErrNotFound.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	pos := -1
	for i, e := range idx.Images {
		if e.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return apperrors.Wrap(apperrors.CategoryStorage, "gallery.delete", apperrors.ErrNotFound)
	}

	filePath := filepath.Join(s.dir, filepath.Base(idx.Images[pos].URL))
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("gallery file removal failed",
			zap.String("path", filePath), zap.Error(err))
	}

	idx.Images = append(idx.Images[:pos], idx.Images[pos+1:]...)
	if err := s.writeIndex(idx); err != nil {
		return err
	}
	s.logger.Info("image deleted from gallery", zap.Int("image_id", id))
	return nil
}

// writeImage persists the decoded upload.  When the bytes decode as an image
// they are re-encoded through the registered encoder for their format;
// otherwise the raw bytes are written as-is.
func (s *Store) writeImage(ctx context.Context, path string, raw []byte, format encoder.Format) error {
	data := raw
	if img, _, err := image.Decode(bytes.NewReader(raw)); err == nil {
		if enc, ok := s.encoders.For(format); ok {
			opts := encoder.Options{}
			if format == encoder.FormatJPEG {
				opts.Quality = jpegSaveQuality
			}
			if out, encErr := enc.Encode(ctx, img, opts); encErr == nil {
				data = out
			} else {
				s.logger.Warn("gallery re-encode failed, writing raw bytes", zap.Error(encErr))
			}
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "gallery.save", err)
	}
	return nil
}

func (s *Store) readIndex() (*index, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &index{Images: []Entry{}}, nil
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "gallery.index", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "gallery.index", err)
	}
	return &idx, nil
}

// writeIndex rewrites the whole index through a temp file and rename so a
// crash never leaves a torn document.
func (s *Store) writeIndex(idx *index) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(idx); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "gallery.index", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "gallery.index", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Wrap(apperrors.CategoryStorage, "gallery.index", err)
	}
	return nil
}
