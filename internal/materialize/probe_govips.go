//go:build govips && cgo

package materialize

import (
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initializes libvips once per process.
func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  50,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

type govipsProber struct{}

func newProber() (Prober, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsProber{}, nil
}

func (govipsProber) Probe(data []byte) (ImageInfo, error) {
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()

	return ImageInfo{
		MIMEType: mimeForFormat(formatOf(data)),
		Width:    img.Width(),
		Height:   img.Height(),
	}, nil
}

func formatOf(data []byte) string {
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeBMP:
		return "bmp"
	default:
		return ""
	}
}
