package encoder

import (
	"context"
	"image"
	"image/png"

	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/utils"
)

// PNG encodes images to PNG format using the standard library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanEncode(format Format) bool { return format == FormatPNG }

func (p *PNG) Encode(ctx context.Context, img image.Image, _ Options) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}
	if img == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, "png.encode", apperrors.ErrEmptyInput)
	}

	buf := utils.AcquireBuffer()
	defer utils.ReleaseBuffer(buf)
	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(buf, img); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
