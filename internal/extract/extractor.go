// Package extract turns raw document bytes into plain text according to the
// declared MIME type.
package extract

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/hyperjump/chishiki/internal/models"
)

// MIME types with a registered extractor.
const (
	TypePlain       = "text/plain"
	TypeMarkdown    = "text/markdown"
	TypeCSV         = "text/csv"
	TypeJSON        = "application/json"
	TypePDF         = "application/pdf"
	TypeDOCX        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeXLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	TypePPTX        = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	TypeODT         = "application/vnd.oasis.opendocument.text"
	TypeODP         = "application/vnd.oasis.opendocument.presentation"
	TypeODS         = "application/vnd.oasis.opendocument.spreadsheet"
	typeXMarkdown   = "text/x-markdown"
	typeRestructure = "text/x-rst"
)

type extractFunc func(content []byte) (string, error)

// Extractor extracts plain text from raw document content.
type Extractor struct {
	byType map[string]extractFunc
}

// NewExtractor returns an Extractor with all built-in formats registered.
func NewExtractor() *Extractor {
	return &Extractor{byType: map[string]extractFunc{
		TypePlain:       extractPlain,
		TypeMarkdown:    extractPlain,
		typeXMarkdown:   extractPlain,
		typeRestructure: extractPlain,
		TypeCSV:         extractPlain,
		TypeJSON:        extractPlain,
		TypePDF:         extractPDF,
		TypeDOCX:        extractDOCX,
		TypeXLSX:        extractExcel,
		TypePPTX:        extractPPTX,
		TypeODT:         extractOpenDocument,
		TypeODP:         extractOpenDocument,
		TypeODS:         extractOpenDocument,
	}}
}

// Supports reports whether contentType has an extractor.
func (e *Extractor) Supports(contentType string) bool {
	_, ok := e.byType[baseType(contentType)]
	return ok
}

// ExtractText returns the text of raw interpreted as contentType. Failures wrap
// models.ErrExtractionFailed together with models.ErrUnsupportedType or
// models.ErrCorruptContent.
func (e *Extractor) ExtractText(raw []byte, contentType string) (string, error) {
	fn, ok := e.byType[baseType(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %w: %q", models.ErrExtractionFailed, models.ErrUnsupportedType, contentType)
	}
	text, err := fn(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", models.ErrExtractionFailed, models.ErrCorruptContent, err)
	}
	return text, nil
}

// baseType strips parameters such as charset and lowercases the media type.
func baseType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

var typesByExt = map[string]string{
	".txt":  TypePlain,
	".text": TypePlain,
	".log":  TypePlain,
	".md":   TypeMarkdown,
	".rst":  typeRestructure,
	".csv":  TypeCSV,
	".json": TypeJSON,
	".pdf":  TypePDF,
	".docx": TypeDOCX,
	".xlsx": TypeXLSX,
	".pptx": TypePPTX,
	".odt":  TypeODT,
	".odp":  TypeODP,
	".ods":  TypeODS,
}

// ContentTypeForPath guesses the MIME type of a file from its extension.
// Unknown extensions return "".
func ContentTypeForPath(path string) string {
	return typesByExt[strings.ToLower(filepath.Ext(path))]
}
