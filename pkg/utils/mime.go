package utils

import (
	"mime"
	"net/http"
	"os"
	"strings"
)

// defaultExt is used when no extension is known for a MIME type.
const defaultExt = ".bin"

// DetectFileMimeAndExt sniffs a file on disk and returns its MIME type and
// standard extension.
func DetectFileMimeAndExt(filePath string) (string, string) {
	mimeType := "application/octet-stream"
	if f, err := os.Open(filePath); err == nil {
		defer f.Close()
		buffer := make([]byte, 512)
		if n, err := f.Read(buffer); err == nil && n > 0 {
			mimeType = http.DetectContentType(buffer[:n])
		}
	}
	return mimeType, mimeToExt(mimeType)
}

// DetectMimeAndExt sniffs a byte slice and returns its MIME type and standard
// extension.
func DetectMimeAndExt(data []byte) (string, string) {
	mimeType := "application/octet-stream"
	if len(data) > 0 {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, mimeToExt(mimeType)
}

// IsImageMime reports whether mimeType names an image.
func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(baseMime(mimeType), "image/")
}

// IsTextMime reports whether mimeType is text that can be inlined as is.
func IsTextMime(mimeType string) bool {
	base := baseMime(mimeType)
	switch base {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return strings.HasPrefix(base, "text/")
}

// baseMime drops parameters such as "; charset=utf-8".
func baseMime(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// mimeToExt converts a MIME type to its first standard extension.
func mimeToExt(mimeType string) string {
	switch baseMime(mimeType) {
	case "image/jpeg":
		return ".jpg"
	case "text/plain":
		return ".txt"
	}
	exts, err := mime.ExtensionsByType(baseMime(mimeType))
	if err != nil || len(exts) == 0 {
		return defaultExt
	}
	return exts[0]
}
