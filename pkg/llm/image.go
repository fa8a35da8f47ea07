package llm

import (
	"bytes"
	"encoding/base64"
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4e, 0x47}
	jpegMagic = []byte{0xff, 0xd8, 0xff}
)

// ImageDataURI encodes raw image bytes as a base64 data URI suitable for
// an image content part. PNG and JPEG are detected from the file header;
// anything else is sent as PNG.
func ImageDataURI(data []byte) string {
	mime := "image/png"
	if bytes.HasPrefix(data, jpegMagic) {
		mime = "image/jpeg"
	} else if bytes.HasPrefix(data, pngMagic) {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ImagePart builds an image content part from raw image bytes.
func ImagePart(data []byte) ContentPart {
	return ContentPart{ImageURL: ImageDataURI(data)}
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Text: text}
}
