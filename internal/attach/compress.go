// Package attach prepares image attachments for sending: validation,
// downscaling and iterative JPEG recompression toward a target byte size.
package attach

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	// Register the decoders for the accepted input formats.
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/informedia7/totilove-sub009/internal/config"
	"github.com/informedia7/totilove-sub009/internal/state"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// File is one attachment candidate as picked by the caller.
type File struct {
	Name string
	Data []byte
}

// Result pairs a compressed attachment with the file it came from.
type Result struct {
	Name       string
	Attachment state.Attachment
	Err        error
}

// Compressor turns raw image bytes into send-ready JPEG attachments.
type Compressor struct {
	cfg    config.ImageConfig
	logger *zap.Logger
}

// NewCompressor creates a compressor with the given limits.
func NewCompressor(cfg config.ImageConfig, logger *zap.Logger) *Compressor {
	return &Compressor{cfg: cfg, logger: logger}
}

// Compress decodes data, downscales it to fit the configured maximum
// dimension and re-encodes it as JPEG, stepping the quality down until the
// output fits the target size or the quality floor is reached. Images
// smaller than the maximum dimension are never upscaled, and the output
// never exceeds the input: when the re-encode comes out larger (tiny or
// flat sources), the original bytes are kept as-is with Quality 0.
func (c *Compressor) Compress(data []byte) (state.Attachment, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return state.Attachment{}, fmt.Errorf("decoding image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return state.Attachment{}, fmt.Errorf("image has empty bounds")
	}

	if scaled, ok := c.scale(src, w, h); ok {
		src = scaled
	}

	var buf bytes.Buffer
	quality := c.cfg.InitialQuality
	for {
		buf.Reset()
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
			return state.Attachment{}, fmt.Errorf("encoding jpeg at quality %d: %w", quality, err)
		}
		if buf.Len() <= c.cfg.TargetBytes || quality-c.cfg.QualityStep < c.cfg.MinQuality {
			break
		}
		quality -= c.cfg.QualityStep
	}

	if buf.Len() > len(data) {
		c.logger.Debug("re-encode larger than source, keeping original",
			zap.String("source_format", format),
			zap.Int("original_bytes", len(data)),
			zap.Int("reencoded_bytes", buf.Len()))
		return state.Attachment{
			MIMEType:       "image/" + format,
			Payload:        append([]byte(nil), data...),
			OriginalSize:   len(data),
			CompressedSize: len(data),
			Quality:        0,
		}, nil
	}

	c.logger.Debug("image compressed",
		zap.String("source_format", format),
		zap.Int("original_bytes", len(data)),
		zap.Int("compressed_bytes", buf.Len()),
		zap.Int("quality", quality))

	return state.Attachment{
		MIMEType:       "image/jpeg",
		Payload:        append([]byte(nil), buf.Bytes()...),
		OriginalSize:   len(data),
		CompressedSize: buf.Len(),
		Quality:        quality,
	}, nil
}

// scale returns a downscaled copy when either dimension exceeds the
// configured maximum, preserving aspect ratio.
func (c *Compressor) scale(src image.Image, w, h int) (image.Image, bool) {
	maxDim := c.cfg.MaxDimension
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return nil, false
	}
	nw, nh := w, h
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst, true
}

// CompressAll processes a batch of files. A file that fails to decode or
// encode yields a Result carrying the error; it never aborts the batch.
func (c *Compressor) CompressAll(files []File) []Result {
	results := make([]Result, 0, len(files))
	for _, f := range files {
		att, err := c.Compress(f.Data)
		if err != nil {
			c.logger.Warn("attachment skipped", zap.String("file", f.Name), zap.Error(err))
			results = append(results, Result{Name: f.Name, Err: fmt.Errorf("%s: %w", f.Name, err)})
			continue
		}
		results = append(results, Result{Name: f.Name, Attachment: att})
	}
	return results
}

// Accepts reports whether a MIME type is eligible for compression.
func Accepts(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/png", "image/gif":
		return true
	}
	return false
}
