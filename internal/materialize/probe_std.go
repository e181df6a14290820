//go:build !govips || !cgo

package materialize

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func Startup() error {
	return nil
}

func Shutdown() {}

type stdlibProber struct{}

func newProber() (Prober, error) {
	return stdlibProber{}, nil
}

func (stdlibProber) Probe(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("decode image header: %w", err)
	}
	return ImageInfo{MIMEType: mimeForFormat(format), Width: cfg.Width, Height: cfg.Height}, nil
}
