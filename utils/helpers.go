package utils

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const (
	formatJPEG    = "jpeg"
	formatPNG     = "png"
	formatUnknown = "unknown"
)

var sizeRe = regexp.MustCompile(`^(\d+)x(\d+)$`)

// ParseSize parses a size string like "1024x1024" into (width, height).
// Malformed input silently falls back to 1024x1024, matching the API
// contract for the `size` field.
func ParseSize(size string) (int, int) {
	m := sizeRe.FindStringSubmatch(size)
	if m == nil {
		return 1024, 1024
	}
	w, errW := strconv.Atoi(m[1])
	h, errH := strconv.Atoi(m[2])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1024, 1024
	}
	return w, h
}

var spacesRe = regexp.MustCompile(`\s{2,}`)

// CleanString normalizes a prompt before it is sent to the rewriter:
// newlines become spaces, runs of whitespace collapse, edges are trimmed.
func CleanString(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	return spacesRe.ReplaceAllString(s, " ")
}

// DetectFormat sniffs the leading bytes of data and returns the image format.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return formatUnknown
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return formatJPEG
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return formatPNG
	}
	// Fallback to net/http sniffing.
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return formatJPEG
	case "image/png":
		return formatPNG
	}
	return formatUnknown
}

// SplitChunks slices s into pieces of at most max bytes.  A string within the
// limit comes back as a single element; an empty string as none.
func SplitChunks(s string, max int) []string {
	if s == "" || max <= 0 {
		return nil
	}
	if len(s) <= max {
		return []string{s}
	}
	n := (len(s) + max - 1) / max
	out := make([]string, 0, n)
	for start := 0; start < len(s); start += max {
		end := start + max
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[start:end])
	}
	return out
}
