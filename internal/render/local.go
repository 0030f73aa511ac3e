package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
)

// LocalRenderer resizes images in-process using the standard image codecs.
// Scaling is nearest-neighbour, which is adequate for thumbnails.
type LocalRenderer struct {
	// JPEGQuality overrides the encoder quality; zero means jpeg.DefaultQuality.
	JPEGQuality int
}

// NewLocalRenderer returns a renderer with default settings.
func NewLocalRenderer() *LocalRenderer {
	return &LocalRenderer{}
}

func (r *LocalRenderer) Render(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	src, format, err := decodeImage(req.Source, req.ContentType)
	if err != nil {
		return Result{}, err
	}
	if req.Crop {
		src = centerCrop(src, req.Width, req.Height)
	}
	target := fitBox(src.Bounds().Dx(), src.Bounds().Dy(), req.Width, req.Height)
	if req.Crop {
		target = image.Rect(0, 0, req.Width, req.Height)
	}
	scaled := scaleNearest(src, target.Dx(), target.Dy())
	return encodeImage(scaled, format, r.jpegQuality())
}

func (r *LocalRenderer) jpegQuality() int {
	if r.JPEGQuality > 0 {
		return r.JPEGQuality
	}
	return jpeg.DefaultQuality
}

func decodeImage(data []byte, contentType string) (image.Image, string, error) {
	switch {
	case strings.EqualFold(contentType, "image/png"):
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode png: %w", err)
		}
		return img, "png", nil
	case strings.EqualFold(contentType, "image/jpeg"), strings.EqualFold(contentType, "image/jpg"):
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode jpeg: %w", err)
		}
		return img, "jpeg", nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, "", fmt.Errorf("unsupported image format %q", format)
	}
	return img, format, nil
}

func encodeImage(img image.Image, format string, quality int) (Result, error) {
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return Result{}, fmt.Errorf("encode png: %w", err)
		}
		return Result{Data: buf.Bytes(), ContentType: "image/png"}, nil
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return Result{}, fmt.Errorf("encode jpeg: %w", err)
		}
		return Result{Data: buf.Bytes(), ContentType: "image/jpeg"}, nil
	default:
		return Result{}, fmt.Errorf("unsupported image format %q", format)
	}
}

// fitBox shrinks the source dimensions to fit inside the target box while
// keeping aspect ratio. Images smaller than the box are left untouched.
func fitBox(srcW, srcH, maxW, maxH int) image.Rectangle {
	if srcW <= maxW && srcH <= maxH {
		return image.Rect(0, 0, srcW, srcH)
	}
	scaleW := float64(maxW) / float64(srcW)
	scaleH := float64(maxH) / float64(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	w := int(float64(srcW) * scale)
	h := int(float64(srcH) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return image.Rect(0, 0, w, h)
}

// centerCrop trims the source to the target aspect ratio around its centre.
func centerCrop(src image.Image, targetW, targetH int) image.Image {
	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	srcRatio := float64(srcW) / float64(srcH)
	targetRatio := float64(targetW) / float64(targetH)

	cropW := srcW
	cropH := srcH
	if srcRatio > targetRatio {
		cropW = int(float64(srcH) * targetRatio)
	} else if srcRatio < targetRatio {
		cropH = int(float64(srcW) / targetRatio)
	}
	if cropW < 1 {
		cropW = 1
	}
	if cropH < 1 {
		cropH = 1
	}
	x0 := bounds.Min.X + (srcW-cropW)/2
	y0 := bounds.Min.Y + (srcH-cropH)/2
	window := image.Rect(x0, y0, x0+cropW, y0+cropH)

	cropped := image.NewNRGBA(image.Rect(0, 0, cropW, cropH))
	for y := 0; y < cropH; y++ {
		for x := 0; x < cropW; x++ {
			cropped.Set(x, y, src.At(window.Min.X+x, window.Min.Y+y))
		}
	}
	return cropped
}

func scaleNearest(src image.Image, w, h int) image.Image {
	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == w && srcH == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*srcH/h
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + x*srcW/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
