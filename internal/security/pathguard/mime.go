package pathguard

import (
	"strings"

	aferrors "agentflow/internal/errors"
)

// mimeExtensions maps a declared MIME type to the one extension an upload
// carrying it must have.
var mimeExtensions = map[string]string{
	"text/plain":               "txt",
	"text/html":                "html",
	"text/csv":                 "csv",
	"text/css":                 "css",
	"application/json":         "json",
	"application/pdf":          "pdf",
	"text/javascript":          "js",
	"application/javascript":   "js",
	"text/markdown":            "md",
	"text/x-markdown":          "md",
	"image/jpeg":               "jpg",
	"image/jpg":                "jpg",
	"image/png":                "png",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/svg+xml":            "svg",
	"image/tiff":               "tiff",
	"image/x-icon":             "ico",
	"image/vnd.microsoft.icon": "ico",
	"image/avif":               "avif",
	"audio/webm":               "webm",
	"audio/mp4":                "m4a",
	"audio/x-m4a":              "m4a",
	"audio/mpeg":               "mp3",
	"audio/mp3":                "mp3",
	"audio/ogg":                "ogg",
	"audio/wav":                "wav",
	"audio/wave":               "wav",
	"audio/x-wav":              "wav",
	"audio/aac":                "aac",
	"audio/flac":               "flac",
	"video/mp4":                "mp4",
	"video/webm":               "webm",
	"video/quicktime":          "mov",
	"video/x-msvideo":          "avi",
	"application/x-yaml":       "yaml",
	"application/yaml":         "yaml",
	"text/yaml":                "yaml",
	"text/x-yaml":              "yaml",
	"application/sql":          "sql",
	"text/x-sql":               "sql",
	"application/rtf":          "rtf",
	"text/rtf":                 "rtf",
}

// extensionSynonyms folds alternative spellings onto the canonical extension.
var extensionSynonyms = map[string]string{
	"jpeg": "jpg",
	"tif":  "tiff",
	"oga":  "ogg",
	"yml":  "yaml",
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(ext)
	if canonical, ok := extensionSynonyms[ext]; ok {
		return canonical
	}
	return ext
}

// ExpectedExtension returns the canonical extension for a MIME type.
func ExpectedExtension(mimetype string) (string, bool) {
	ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimetype))]
	return ext, ok
}

// fileExtension returns the text after the last dot, or "" when the name has
// no dot or ends with one.
func fileExtension(filename string) string {
	if sep := strings.LastIndexAny(filename, `/\`); sep >= 0 {
		filename = filename[sep+1:]
	}
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

// ValidateMimeTypeAndExtensionMatch rejects uploads whose extension does not
// agree with the declared MIME type. Extensionless names are always rejected.
func ValidateMimeTypeAndExtensionMatch(filename, mimetype string) error {
	if strings.TrimSpace(filename) == "" {
		return aferrors.NewInvalidFormat("filename", "Invalid filename: filename is required and must be a string")
	}
	if strings.TrimSpace(mimetype) == "" {
		return aferrors.NewInvalidFormat("mimetype", "Invalid MIME type: MIME type is required and must be a string")
	}
	if IsUnsafeFilePath(filename) {
		return aferrors.NewInvalidFormat("filename",
			"Invalid filename: unsafe characters or path traversal attempt detected in filename %q", filename)
	}

	ext := fileExtension(filename)
	if ext == "" {
		return aferrors.NewInvalidFormat("filename", "File type not allowed: files must have a valid file extension")
	}

	expected, ok := ExpectedExtension(mimetype)
	if !ok {
		return aferrors.NewInvalidFormat("mimetype",
			"MIME type %q is not supported or does not have a valid file extension mapping", mimetype)
	}

	if normalizeExtension(ext) != normalizeExtension(expected) {
		return aferrors.NewInvalidFormat("mimetype",
			"MIME type mismatch: file extension %q does not match declared MIME type %q. Expected: %s",
			ext, mimetype, expected)
	}
	return nil
}
