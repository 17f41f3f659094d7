// Package extract turns uploaded files into plain text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	MimePlain = "text/plain"
	MimePDF   = "application/pdf"
)

var (
	ErrUnsupported = errors.New("unsupported file type (only PDF and TXT allowed)")
	ErrEmpty       = errors.New("no text could be extracted")
)

// Error reports a file that could not be turned into text.
type Error struct {
	Filename string
	Err      error
}

func (e *Error) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("extract: %v", e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Filename, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MimeType normalizes a declared content type, falling back to the filename
// extension when the declaration is missing or generic.
func MimeType(declared, filename string) string {
	mt := ""
	if declared != "" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			mt = parsed
		}
	}
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text", ".md":
		return MimePlain
	case ".pdf":
		return MimePDF
	}
	return mt
}

// Text extracts the text of data according to its mimetype.
func Text(data []byte, mimetype, filename string) (string, error) {
	var (
		text string
		err  error
	)
	switch MimeType(mimetype, filename) {
	case MimePlain:
		if !utf8.Valid(data) {
			return "", &Error{Filename: filename, Err: errors.New("file is not valid UTF-8 text")}
		}
		text = string(data)
	case MimePDF:
		text, err = pdfText(data)
		if err != nil {
			return "", &Error{Filename: filename, Err: err}
		}
	default:
		return "", &Error{Filename: filename, Err: ErrUnsupported}
	}
	if strings.TrimSpace(text) == "" {
		return "", &Error{Filename: filename, Err: ErrEmpty}
	}
	return text, nil
}

func pdfText(content []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt pdf: %v", r)
		}
	}()

	pdfReader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var textBuilder strings.Builder
	for pageNum := 1; pageNum <= pdfReader.NumPage(); pageNum++ {
		page := pdfReader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		textBuilder.WriteString(pageText)
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}
