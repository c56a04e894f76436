package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func touchAt(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestListFramesOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	touchAt(t, filepath.Join(dir, "c.jpg"), base)
	touchAt(t, filepath.Join(dir, "a.jpg"), base.Add(2*time.Second))
	touchAt(t, filepath.Join(dir, "b.png"), base.Add(time.Second))
	touchAt(t, filepath.Join(dir, "notes.txt"), base)
	touchAt(t, filepath.Join(dir, "c_StitchedTo_b.jpg"), base)
	touchAt(t, filepath.Join(dir, "pano_Stitched.jpg"), base)
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	byTime, err := ListFrames(dir, OrderModTime)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{filepath.Join(dir, "c.jpg"), filepath.Join(dir, "b.png"), filepath.Join(dir, "a.jpg")}
	if diff := cmp.Diff(want, byTime); diff != "" {
		t.Fatalf("mtime order (-want +got):\n%s", diff)
	}

	byName, err := ListFrames(dir, OrderName)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want = []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.png"), filepath.Join(dir, "c.jpg")}
	if diff := cmp.Diff(want, byName); diff != "" {
		t.Fatalf("name order (-want +got):\n%s", diff)
	}

	if _, err := ListFrames(dir, Order("size")); err == nil {
		t.Fatalf("expected error for unknown order")
	}
}

func TestOutputNames(t *testing.T) {
	if got := ProgressName("/out", "/in/IMG_1.jpg", "/in/IMG_2.png"); got != "/out/IMG_1_StitchedTo_IMG_2.jpg" {
		t.Fatalf("progress name %q", got)
	}
	if got := PanoramaName("/photos/beach/"); got != "/photos/beach_Stitched.jpg" {
		t.Fatalf("panorama name %q", got)
	}
	if got := PairName("/photos/beach/a.jpg"); got != "/photos/beach_Stitched.jpg" {
		t.Fatalf("pair name %q", got)
	}
	if !IsStitchOutput("/photos/beach_Stitched.jpg") || IsStitchOutput("/photos/IMG_1.jpg") {
		t.Fatalf("IsStitchOutput misclassified")
	}
}

func TestIsImageFile(t *testing.T) {
	if !IsImageFile("x.JPG") || !IsImageFile("x.cr2") || IsImageFile("x.txt") {
		t.Fatalf("IsImageFile misclassified")
	}
	if !IsRAWFile("x.NEF") || IsRAWFile("x.jpg") {
		t.Fatalf("IsRAWFile misclassified")
	}
}
