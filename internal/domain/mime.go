package domain

import "strings"

// Category groups MIME types that share a processor and a work queue.
type Category string

const (
	CategoryImage     Category = "image"
	CategoryVideo     Category = "video"
	CategoryTable     Category = "table"
	CategoryBackglass Category = "directb2s"
	CategoryArchive   Category = "archive"
	CategoryUnknown   Category = ""
)

type mimeInfo struct {
	category  Category
	extension string
}

var mimeTypes = map[string]mimeInfo{
	"image/jpeg":                           {CategoryImage, ".jpg"},
	"image/png":                            {CategoryImage, ".png"},
	"image/gif":                            {CategoryImage, ".gif"},
	"video/mp4":                            {CategoryVideo, ".mp4"},
	"video/x-flv":                          {CategoryVideo, ".flv"},
	"video/avi":                            {CategoryVideo, ".avi"},
	"application/x-visual-pinball-table":   {CategoryTable, ".vpt"},
	"application/x-visual-pinball-table-x": {CategoryTable, ".vpx"},
	"application/x-directb2s":              {CategoryBackglass, ".directb2s"},
	"application/zip":                      {CategoryArchive, ".zip"},
	"application/x-rar-compressed":         {CategoryArchive, ".rar"},
	"application/x-7z-compressed":          {CategoryArchive, ".7z"},
}

// CategoryOf maps a MIME type to its processing category
func CategoryOf(mimeType string) Category {
	if info, ok := mimeTypes[mimeType]; ok {
		return info.category
	}
	// fall back on the major type for the media families
	major, _, _ := strings.Cut(mimeType, "/")
	switch major {
	case "image":
		return CategoryImage
	case "video":
		return CategoryVideo
	}
	return CategoryUnknown
}

// ExtensionOf returns the file extension for a MIME type, with leading dot
func ExtensionOf(mimeType string) string {
	if info, ok := mimeTypes[mimeType]; ok {
		return info.extension
	}
	return ""
}
