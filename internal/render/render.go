// Package render produces resized variants of stored images. The local
// renderer handles PNG and JPEG in-process; the HTTP renderer delegates to an
// external imaging service.
package render

import (
	"context"
	"fmt"
)

// Request describes one resize operation. Source holds the original encoded
// bytes; ContentType selects the codec. When Crop is set the source is
// center-cropped to the target aspect ratio before scaling, otherwise it is
// fit inside the target box.
type Request struct {
	Source      []byte
	ContentType string
	Width       int
	Height      int
	Crop        bool
}

// Result carries the encoded variant.
type Result struct {
	Data        []byte
	ContentType string
}

// Renderer turns a source image into a resized variant.
type Renderer interface {
	Render(ctx context.Context, req Request) (Result, error)
}

func validateRequest(req Request) error {
	if len(req.Source) == 0 {
		return fmt.Errorf("render source is empty")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("render dimensions must be positive, got %dx%d", req.Width, req.Height)
	}
	return nil
}
