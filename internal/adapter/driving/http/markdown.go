package httphandler

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	noteRenderer  = goldmark.New(goldmark.WithExtensions(extension.GFM))
	noteSanitizer = bluemonday.UGCPolicy()
)

// RenderNote converts a stock note written in markdown to sanitized HTML.
// Returns empty string for empty input.
func RenderNote(src string) string {
	if src == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := noteRenderer.Convert([]byte(src), &buf); err != nil {
		return noteSanitizer.Sanitize(src)
	}

	return noteSanitizer.Sanitize(buf.String())
}
