// Package collect turns provider return values into an ordered list of
// retrievable outputs.
package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
)

type Kind int

const (
	KindUnrecognized Kind = iota
	KindURL
	KindFile
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindFile:
		return "file"
	case KindList:
		return "list"
	default:
		return "unrecognized"
	}
}

// FileHandle is a provider output that can be read directly. URL may be empty
// for outputs returned inline.
type FileHandle interface {
	URL() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Value is the decoded shape of a provider return value.
type Value struct {
	Kind  Kind
	URL   string
	File  FileHandle
	Items []Value
}

func URLValue(url string) Value {
	return Value{Kind: KindURL, URL: url}
}

func FileValue(f FileHandle) Value {
	if f == nil {
		return Value{}
	}
	return Value{Kind: KindFile, File: f}
}

func ListValue(items ...Value) Value {
	return Value{Kind: KindList, Items: items}
}

// DecodeJSON classifies a raw JSON provider output. Strings are URLs, objects
// with a string "url" field are URLs, arrays become lists, anything else is
// unrecognized.
func DecodeJSON(raw json.RawMessage) Value {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Value{}
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
			return Value{}
		}
		return URLValue(s)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return Value{}
		}
		out := make([]Value, 0, len(items))
		for _, item := range items {
			out = append(out, DecodeJSON(item))
		}
		return ListValue(out...)
	case '{':
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil || strings.TrimSpace(obj.URL) == "" {
			return Value{}
		}
		return URLValue(obj.URL)
	default:
		return Value{}
	}
}

// BytesFile is an inline output already held in memory.
type BytesFile struct {
	Data     []byte
	MIMEType string
	Source   string
}

func (f BytesFile) URL() string { return f.Source }

func (f BytesFile) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}
