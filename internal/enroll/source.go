package enroll

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/logger"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// LoadImageSets reads the enrollment layout <root>/<id>_<name>/<images>.
// Folders and files are visited in name order so label indices are
// reproducible between runs. Folder names are NFC-normalised.
func LoadImageSets(root string, log *logger.Logger) ([]ImageSet, error) {
	if log == nil {
		log = logger.Nop()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read images directory: %w", err)
	}

	var sets []ImageSet
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := facematch.NormalizeLabel(entry.Name())
		if _, err := facematch.ParseLabel(label); err != nil {
			log.Warn("identity folder is not named <id>_<name>", "folder", entry.Name())
		}

		dir := filepath.Join(root, entry.Name())
		images, err := loadImages(dir)
		if err != nil {
			return nil, err
		}
		sets = append(sets, ImageSet{Label: label, Images: images})
	}
	return sets, nil
}

func loadImages(dir string) ([]Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity folder %s: %w", dir, err)
	}

	var images []Image
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		images = append(images, Image{
			Name: path,
			Open: func() (image.Image, error) { return decodeFile(path) },
		})
	}
	return images, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the enrollment directory listing
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return img, nil
}
