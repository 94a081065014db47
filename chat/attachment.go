package chat

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// AttachmentReader decodes one attachment's bytes into query text.
type AttachmentReader func(data []byte) (string, error)

// attachmentReaders is the fixed decode table keyed by lowercase file
// extension. Unknown extensions are rejected before any decoding.
var attachmentReaders = map[string]AttachmentReader{
	".txt":      readPlainText,
	".md":       readPlainText,
	".markdown": readPlainText,
	".csv":      readPlainText,
	".log":      readPlainText,
	".json":     readJSON,
}

// ReadAttachment decodes an uploaded attachment by its file extension.
func ReadAttachment(fileName string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	reader, ok := attachmentReaders[ext]
	if !ok {
		return "", fmt.Errorf("unsupported attachment type %q", ext)
	}
	return reader(data)
}

func readPlainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("attachment is not valid UTF-8 text")
	}
	return string(data), nil
}

func readJSON(data []byte) (string, error) {
	if !json.Valid(data) {
		return "", fmt.Errorf("attachment is not valid JSON")
	}
	return string(data), nil
}
