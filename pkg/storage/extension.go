package storage

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultExtension is used when neither the field name nor the content
// identifies the file type.
const DefaultExtension = "bin"

var fieldExtensions = map[string]string{
	"audio_data": "m4a",
	"image_data": "jpg",
	"pdf_data":   "pdf",
	"html_body":  "html",
	"html":       "html",
	"file_data":  "bin",
}

// Extension picks the object extension for field. The stream's own table
// wins, then the built-in field table, then magic-byte sniffing.
func Extension(field string, data []byte, overrides map[string]string) (ext string, contentType string) {
	if ext, ok := overrides[field]; ok && ext != "" {
		ext = strings.TrimPrefix(ext, ".")
		return ext, contentTypeFor(ext, data)
	}
	if ext, ok := fieldExtensions[field]; ok {
		return ext, contentTypeFor(ext, data)
	}

	mt := mimetype.Detect(data)
	if ext := strings.TrimPrefix(mt.Extension(), "."); ext != "" && !mt.Is("application/octet-stream") {
		return ext, mt.String()
	}
	return DefaultExtension, "application/octet-stream"
}

func contentTypeFor(ext string, data []byte) string {
	if ct := extensionMIME(ext); ct != "" {
		return ct
	}
	if len(data) > 0 {
		return mimetype.Detect(data).String()
	}
	return "application/octet-stream"
}

func extensionMIME(ext string) string {
	switch ext {
	case "m4a":
		return "audio/x-m4a"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "pdf":
		return "application/pdf"
	case "html":
		return "text/html; charset=utf-8"
	case "wav":
		return "audio/wav"
	case "json":
		return "application/json"
	}
	return ""
}
