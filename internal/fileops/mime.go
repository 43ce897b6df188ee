package fileops

import (
	"mime"
	"path/filepath"
	"strings"
)

// ContentTypeForName guesses a content type from the file extension. It
// returns "" when the extension is unknown.
func ContentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct, ok := fallbackTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

// IsImage reports whether name is an image the thumbnailer can decode.
func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// IsMarkdown reports whether name should get a rendered preview.
func IsMarkdown(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Host mime tables are often sparse; these win over them so listings look
// the same on every machine.
var fallbackTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",

	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",

	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",

	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".json": "application/json",

	".txt":  "text/plain; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".yaml": "text/plain; charset=utf-8",
	".yml":  "text/plain; charset=utf-8",
	".toml": "text/plain; charset=utf-8",
	".ini":  "text/plain; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".go":   "text/plain; charset=utf-8",
	".py":   "text/plain; charset=utf-8",
	".sh":   "text/plain; charset=utf-8",
}
