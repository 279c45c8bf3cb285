package gallery

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/imagegen-server/adapters/encoder"
	apperrors "github.com/Skryldev/imagegen-server/errors"
)

func testRegistry() *encoder.Registry {
	reg := encoder.NewRegistry()
	reg.Register(encoder.FormatJPEG, &encoder.JPEG{DefaultQuality: 90})
	reg.Register(encoder.FormatPNG, &encoder.PNG{})
	return reg
}

func pngB64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSaveListRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), testRegistry(), nil)

	seed := int64(42)
	result, err := store.Save(context.Background(), SaveRequest{
		ImageData:      pngB64(t),
		Prompt:         "a red fox",
		NegativePrompt: "blurry",
		Size:           "8x8",
		Seed:           &seed,
		GuidanceScale:  5.0,
		InferenceSteps: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ImageID)
	assert.Contains(t, result.Filename, ".png")
	assert.Equal(t, "/static/images/"+result.Filename, result.URL)

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, 1, e.ID)
	assert.Equal(t, "a red fox", e.Prompt)
	assert.Equal(t, "blurry", e.NegativePrompt)
	assert.Equal(t, "8x8", e.Size)
	assert.Equal(t, int64(42), e.Seed)
	assert.Equal(t, 5.0, e.GuidanceScale)
	assert.Equal(t, 20, e.InferenceSteps)
}

func TestSaveAssignsIncreasingIDs(t *testing.T) {
	store := NewStore(t.TempDir(), testRegistry(), nil)
	data := pngB64(t)

	for want := 1; want <= 3; want++ {
		result, err := store.Save(context.Background(), SaveRequest{
			ImageData: data, Prompt: "p", Size: "8x8",
		})
		require.NoError(t, err)
		assert.Equal(t, want, result.ImageID)
	}
}

func TestSaveSynthesizesSeed(t *testing.T) {
	store := NewStore(t.TempDir(), testRegistry(), nil)

	_, err := store.Save(context.Background(), SaveRequest{
		ImageData: pngB64(t), Prompt: "p", Size: "8x8",
	})
	require.NoError(t, err)

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.GreaterOrEqual(t, entries[0].Seed, int64(0))
}

func TestSaveRejectsBadBase64(t *testing.T) {
	store := NewStore(t.TempDir(), testRegistry(), nil)

	_, err := store.Save(context.Background(), SaveRequest{
		ImageData: "not valid base64!!!", Prompt: "p", Size: "8x8",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryStorage))
}

func TestSaveWritesImageFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testRegistry(), nil)

	result, err := store.Save(context.Background(), SaveRequest{
		ImageData: pngB64(t), Prompt: "p", Size: "8x8",
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "images", result.Filename)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestDeleteLifecycle(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testRegistry(), nil)

	result, err := store.Save(context.Background(), SaveRequest{
		ImageData: pngB64(t), Prompt: "p", Size: "8x8",
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(result.ImageID))

	entries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, statErr := os.Stat(filepath.Join(dir, "images", result.Filename))
	assert.True(t, os.IsNotExist(statErr), "image file must be removed")

	err = store.Delete(result.ImageID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestListMissingIndexIsEmpty(t *testing.T) {
	store := NewStore(t.TempDir(), testRegistry(), nil)
	entries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIDsNeverReused(t *testing.T) {
	store := NewStore(t.TempDir(), testRegistry(), nil)
	data := pngB64(t)

	first, err := store.Save(context.Background(), SaveRequest{ImageData: data, Prompt: "p", Size: "8x8"})
	require.NoError(t, err)
	second, err := store.Save(context.Background(), SaveRequest{ImageData: data, Prompt: "p", Size: "8x8"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(first.ImageID))

	third, err := store.Save(context.Background(), SaveRequest{ImageData: data, Prompt: "p", Size: "8x8"})
	require.NoError(t, err)
	assert.Greater(t, third.ImageID, second.ImageID)
}
