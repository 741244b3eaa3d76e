package models

import (
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrorMessage is the only failure text ever shown for a record.
const ErrorMessage = "Failed to extract text from this image."

// ShowMoreThreshold is the text length (in characters) past which a card
// offers to open the detail pane.
const ShowMoreThreshold = 100

const downloadSuffix = "-extracted.txt"

// ImageRecord is the per-image state of one accepted file.
type ImageRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Text         string    `json:"text"`
	IsProcessing bool      `json:"isProcessing"`
	Error        string    `json:"error,omitempty"`
	PreviewURL   string    `json:"previewUrl"`
	MimeType     string    `json:"mimeType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Terminal reports whether the record finished, successfully or not.
func (r ImageRecord) Terminal() bool {
	return !r.IsProcessing
}

// Failed reports whether the record ended with an error.
func (r ImageRecord) Failed() bool {
	return r.Error != ""
}

// HasMore reports whether the text is long enough to warrant the detail pane.
func (r ImageRecord) HasMore() bool {
	return utf8.RuneCountInString(r.Text) > ShowMoreThreshold
}

// DownloadName derives the plain-text download file name: receipt.png -> receipt-extracted.txt.
func DownloadName(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + downloadSuffix
}

// PreviewURL returns the path serving the original bytes of a record.
func PreviewURL(id string) string {
	return "/api/images/" + id + "/preview"
}
