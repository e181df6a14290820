package materialize

// ImageInfo is what the prober could learn from encoded bytes.
type ImageInfo struct {
	MIMEType string
	Width    int
	Height   int
}

type Prober interface {
	Probe(data []byte) (ImageInfo, error)
}

func mimeForFormat(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return ""
	}
}
