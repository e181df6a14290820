package domain

import (
	"path"
	"path/filepath"
	"strings"
)

type InputRefKind int

const (
	InputRefURL InputRefKind = iota
	InputRefDisk
	InputRefObject
)

// ClassifyInputRef tells http(s) URLs, worker-local paths and object keys
// apart.
func ClassifyInputRef(ref string) InputRefKind {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return InputRefURL
	case strings.HasPrefix(ref, "file://"), filepath.IsAbs(ref):
		return InputRefDisk
	case strings.HasPrefix(ref, "./"), strings.HasPrefix(ref, "../"):
		return InputRefDisk
	default:
		return InputRefObject
	}
}

// OwnerFolder is the object prefix every key belonging to ownerID lives under.
func OwnerFolder(ownerID string) string {
	return "user/" + ownerID + "/"
}

// OwnsObjectKey reports whether key names an object under the owner's folder.
// Keys with dot segments are never owned.
func OwnsObjectKey(ownerID, key string) bool {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || strings.Contains(ownerID, "/") {
		return false
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	if path.Clean(key) != key {
		return false
	}
	prefix := OwnerFolder(ownerID)
	return strings.HasPrefix(key, prefix) && len(key) > len(prefix)
}
