package fsutil

import (
	"net/url"
	"path/filepath"
	"strings"

	"filedock/internal/apierr"
)

// ErrUnsafePath is returned when a user path would resolve outside its root.
var ErrUnsafePath = apierr.New(apierr.KindUnsafePath, "invalid or unsafe path")

// Sanitize resolves a user supplied path against root and returns the clean
// slash-separated path relative to root ("" means root itself). It is purely
// lexical: the target does not have to exist, so rename and move targets
// sanitize the same way as existing entries.
func Sanitize(root, userPath string) (string, error) {
	decoded, err := url.PathUnescape(userPath)
	if err != nil {
		// Not percent-encoded after all, e.g. "100%.txt".
		decoded = userPath
	}
	if strings.ContainsRune(decoded, 0) {
		return "", ErrUnsafePath
	}

	base := normalize(root)
	full := normalize(root + "/" + decoded)
	if full != base && !strings.HasPrefix(full, prefixOf(base)) {
		return "", ErrUnsafePath
	}
	return strings.Trim(full[len(base):], "/"), nil
}

// Resolve sanitizes userPath and joins it back onto root using OS separators.
func Resolve(root, userPath string) (abs string, rel string, err error) {
	rel, err = Sanitize(root, userPath)
	if err != nil {
		return "", "", err
	}
	return Join(root, rel), rel, nil
}

// Join joins an already sanitized rel path onto root.
func Join(root, rel string) string {
	if rel == "" {
		return filepath.Clean(root)
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// JoinRel joins two slash-separated relative paths, treating "" as root.
func JoinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// SanitizeName reduces a user supplied leaf name to a single path component.
// The result never contains a separator and is never "." or "..", so joining
// it onto a sanitized parent cannot climb out of that parent.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if strings.ContainsRune(name, 0) {
		return "", apierr.Invalid("invalid name")
	}
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimRight(name, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", apierr.Invalid("invalid name")
	}
	return name, nil
}

// normalize splits p on both separators, drops empty and "." segments and
// lets ".." pop the last kept segment. A ".." with nothing left to pop is
// dropped. The result always starts with "/".
func normalize(p string) string {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	kept := make([]string, 0, len(parts))
	for _, seg := range parts {
		switch seg {
		case ".":
		case "..":
			if len(kept) > 0 {
				kept = kept[:len(kept)-1]
			}
		default:
			kept = append(kept, seg)
		}
	}
	return "/" + strings.Join(kept, "/")
}

func prefixOf(base string) string {
	if base == "/" {
		return "/"
	}
	return base + "/"
}
