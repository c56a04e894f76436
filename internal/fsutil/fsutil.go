package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Order selects how frames in a directory are sequenced.
type Order string

const (
	OrderModTime Order = "mtime"
	OrderName    Order = "name"
)

const (
	stitchedSuffix = "_Stitched"
	progressInfix  = "_StitchedTo_"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".webp": {},
	".gif":  {},
	".heic": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".raf":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".raf": {},
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// IsStitchOutput reports whether path looks like a file this tool wrote.
func IsStitchOutput(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.Contains(base, progressInfix) || strings.HasSuffix(base, stitchedSuffix)
}

// ListFrames returns the input frames of dir (non-recursive), skipping
// previous outputs. Frames are ordered by modification time or by name;
// equal times fall back to name.
func ListFrames(dir string, order Order) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type frame struct {
		path string
		mod  time.Time
	}
	var frames []frame
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) || IsStitchOutput(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}

	switch order {
	case OrderName:
		sort.Slice(frames, func(i, j int) bool { return frames[i].path < frames[j].path })
	case OrderModTime, "":
		sort.Slice(frames, func(i, j int) bool {
			if !frames[i].mod.Equal(frames[j].mod) {
				return frames[i].mod.Before(frames[j].mod)
			}
			return frames[i].path < frames[j].path
		})
	default:
		return nil, fmt.Errorf("unknown frame order %q", order)
	}

	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.path
	}
	return out, nil
}

// ProgressName is the intermediate composite written after merging next
// into the panorama ending at prev.
func ProgressName(dir, prev, next string) string {
	return filepath.Join(dir, stem(prev)+progressInfix+stem(next)+".jpg")
}

// PanoramaName is the default final output for a frame directory:
// a sibling file named after the directory.
func PanoramaName(dir string) string {
	clean := filepath.Clean(dir)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+stitchedSuffix+".jpg")
}

// PairName is the default output of a pair stitch, named after the
// directory holding the first image.
func PairName(first string) string {
	return PanoramaName(filepath.Dir(first))
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
