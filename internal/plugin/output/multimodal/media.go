// Package multimodal downloads and re-encodes images referenced by URL in
// chat messages into inline data: URLs, so an LLM gateway that cannot reach
// the original host still receives the pixels (spec.md §4.7
// "inline_multimodal_media_in_messages").
package multimodal

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// MaxImages bounds how many image parts a single message list gets
	// inlined per LLM-forward call.
	MaxImages = 2

	downloadTimeout = 30_000 * time.Millisecond
	maxInputBytes   = 15_000_000
	maxDimension    = 1024
	jpegQuality     = 80
	maxOutputBytes  = 600_000
)

// InlineImageURL downloads url and returns a data: URL encoding a
// downscaled JPEG re-encode, bounded by maxInputBytes on the way in and
// maxOutputBytes on the way out. Already-inline data: URLs are returned
// unchanged.
func InlineImageURL(ctx context.Context, url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		return url, nil
	}

	raw, err := downloadImage(ctx, url)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("multimodal: decode image: %w", err)
	}

	resized := downscale(img, maxDimension)

	encoded, err := encodeJPEGUnderLimit(resized, jpegQuality, maxOutputBytes)
	if err != nil {
		return "", err
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(encoded), nil
}

func downloadImage(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("multimodal: build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("multimodal: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("multimodal: download returned HTTP %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxInputBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("multimodal: read download body: %w", err)
	}
	if len(data) > maxInputBytes {
		return nil, fmt.Errorf("multimodal: image exceeds %d byte input limit", maxInputBytes)
	}
	return data, nil
}

// downscale shrinks img so neither dimension exceeds max, preserving
// aspect ratio. Images already within bounds are returned unchanged.
func downscale(img image.Image, max int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= max && h <= max {
		return img
	}

	scale := float64(max) / float64(w)
	if float64(max)/float64(h) < scale {
		scale = float64(max) / float64(h)
	}
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	return nearestNeighborResize(img, newW, newH)
}

// nearestNeighborResize avoids pulling in an image-resampling dependency
// (none appears anywhere in the retrieval pack) for a use case — thumbnail
// previews fed to an LLM, not archival quality — that does not need one.
func nearestNeighborResize(img image.Image, w, h int) image.Image {
	src := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := src.Min.Y + y*src.Dy()/h
		for x := 0; x < w; x++ {
			sx := src.Min.X + x*src.Dx()/w
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

// encodeJPEGUnderLimit encodes img as JPEG, stepping quality down if the
// result exceeds maxBytes.
func encodeJPEGUnderLimit(img image.Image, quality, maxBytes int) ([]byte, error) {
	for q := quality; q >= 20; q -= 20 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("multimodal: encode jpeg: %w", err)
		}
		if buf.Len() <= maxBytes {
			return buf.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("multimodal: could not encode image under %d bytes", maxBytes)
}
