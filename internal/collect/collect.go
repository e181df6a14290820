package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const maxFetchBytes = 64 << 20

var ErrTooLarge = errors.New("output exceeds size limit")

type Item struct {
	URL      string
	MIMEHint string
	File     FileHandle
}

// Collect flattens v into outputs, preserving provider order. Nested lists and
// unrecognized members are skipped.
func Collect(v Value) []Item {
	switch v.Kind {
	case KindURL, KindFile:
		if item, ok := single(v); ok {
			return []Item{item}
		}
		return nil
	case KindList:
		out := make([]Item, 0, len(v.Items))
		for _, member := range v.Items {
			if item, ok := single(member); ok {
				out = append(out, item)
			}
		}
		return out
	default:
		return nil
	}
}

func single(v Value) (Item, bool) {
	switch v.Kind {
	case KindURL:
		url := strings.TrimSpace(v.URL)
		if url == "" {
			return Item{}, false
		}
		return Item{URL: url, MIMEHint: mimeFromName(url)}, true
	case KindFile:
		if v.File == nil {
			return Item{}, false
		}
		item := Item{URL: v.File.URL(), File: v.File}
		if b, ok := v.File.(BytesFile); ok && b.MIMEType != "" {
			item.MIMEHint = b.MIMEType
		} else {
			item.MIMEHint = mimeFromName(item.URL)
		}
		return item, true
	default:
		return Item{}, false
	}
}

// Fetch reads an output's bytes, preferring the file handle and falling back
// to an HTTP GET of its URL. The returned content type is the server's when
// the GET path was taken.
func Fetch(ctx context.Context, client *http.Client, item Item) ([]byte, string, error) {
	var streamErr error
	if item.File != nil {
		data, err := readHandle(ctx, item.File)
		if err == nil {
			return data, "", nil
		}
		if errors.Is(err, ErrTooLarge) {
			return nil, "", fmt.Errorf("read output: %w", err)
		}
		streamErr = err
	}

	if item.URL == "" {
		if streamErr != nil {
			return nil, "", fmt.Errorf("read output: %w", streamErr)
		}
		return nil, "", fmt.Errorf("output has neither file nor url")
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("download output: unexpected status %d", resp.StatusCode)
	}

	if resp.ContentLength > maxFetchBytes {
		return nil, "", fmt.Errorf("download output: %w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	data, err := ReadLimited(resp.Body, maxFetchBytes)
	if err != nil {
		return nil, "", fmt.Errorf("read download body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func readHandle(ctx context.Context, f FileHandle) ([]byte, error) {
	rc, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadLimited(rc, maxFetchBytes)
}

// ReadLimited reads r to EOF and fails with ErrTooLarge rather than returning
// a truncated prefix when more than limit bytes arrive.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// SaveLocal writes each output to destDir as seed_<id>_img_<NN>.<ext>. Items
// that cannot be fetched are skipped; the rest are kept.
func SaveLocal(ctx context.Context, client *http.Client, items []Item, generationID, destDir string) ([]string, []string, error) {
	urls := make([]string, 0, len(items))
	for _, item := range items {
		if item.URL != "" {
			urls = append(urls, item.URL)
		}
	}
	if destDir == "" || len(items) == 0 {
		return urls, nil, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return urls, nil, fmt.Errorf("create output dir: %w", err)
	}

	var (
		paths   []string
		lastErr error
	)
	for i, item := range items {
		data, contentType, err := Fetch(ctx, client, item)
		if err != nil {
			lastErr = err
			continue
		}
		name := LocalName(generationID, i+1, extensionFor(item.MIMEHint, contentType))
		dest := filepath.Join(destDir, name)
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			lastErr = fmt.Errorf("write %s: %w", name, err)
			continue
		}
		paths = append(paths, dest)
	}

	if len(paths) == 0 && lastErr != nil {
		return urls, nil, lastErr
	}
	return urls, paths, nil
}

func LocalName(generationID string, ordinal int, ext string) string {
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("seed_%s_img_%02d.%s", sanitize(generationID), ordinal, strings.TrimPrefix(ext, "."))
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// ExtensionForMIME maps an image content type to a file extension.
func ExtensionForMIME(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return ""
	}
}

func extensionFor(hint, contentType string) string {
	if ext := ExtensionForMIME(hint); ext != "" {
		return ext
	}
	if ext := ExtensionForMIME(contentType); ext != "" {
		return ext
	}
	return "png"
}

func mimeFromName(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return ""
	}
}
