// Package imageio reads frames into rasters and writes composites back out.
package imageio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gopkg.in/gographics/imagick.v3/imagick"

	"aviary/internal/fsutil"
	"aviary/internal/stitch"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 92

// Decode reads the image at path. Formats without a Go decoder (camera RAW,
// HEIC and the like) are read through ImageMagick.
func Decode(path string) (*stitch.Raster, error) {
	// TIFF-based RAW files would decode as their embedded preview
	if fsutil.IsRAWFile(path) {
		return decodeWithMagick(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err == nil {
		return stitch.FromImage(img), nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return decodeWithMagick(path)
}

func decodeWithMagick(path string) (*stitch.Raster, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("orient %s: %w", filepath.Base(path), err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGB", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels of %s: %w", filepath.Base(path), err)
	}
	floatPixels, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("export pixels of %s: unexpected type %T", filepath.Base(path), pixels)
	}
	for i := range floatPixels {
		floatPixels[i] *= 255
	}
	return stitch.NewRaster(int(width), int(height), floatPixels)
}

// Encode writes r to path in the format named by its extension.
func Encode(path string, r *stitch.Raster, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	img := r.ToNRGBA()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case ".png":
		err = png.Encode(w, img)
	case ".tif", ".tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		err = bmp.Encode(w, img)
	default:
		err = fmt.Errorf("unsupported output format %q", ext)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FileSource loads frames from disk on demand.
type FileSource []string

// Len returns the number of frames.
func (s FileSource) Len() int { return len(s) }

// Frame decodes frame i.
func (s FileSource) Frame(ctx context.Context, i int) (*stitch.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Decode(s[i])
}
