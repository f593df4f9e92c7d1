// Package ingest produces Evidence: rate-limited fetching of registered
// sources, webhook intake with HMAC verification, binary sniffing, and
// OCR routing for scanned PDFs.
package ingest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/regtruth/regtruth/pkg/model"
)

var (
	pdfMagic = []byte("%PDF")
	zipMagic = []byte("PK\x03\x04")
)

// Sniff classifies a payload by magic bytes first, then the declared
// content type, then the URL extension. The header lies often enough that
// the bytes win.
func Sniff(raw []byte, headerContentType, url string) (model.ContentType, model.ContentClass) {
	switch {
	case bytes.HasPrefix(raw, pdfMagic):
		return model.ContentPDF, classifyPDF(raw)
	case bytes.HasPrefix(raw, zipMagic) && strings.HasSuffix(strings.ToLower(url), ".docx"):
		return model.ContentDOCX, model.ClassDOCX
	}

	header := strings.ToLower(headerContentType)
	switch {
	case strings.Contains(header, "json") || looksLikeJSON(raw):
		return model.ContentJSON, model.ClassJSON
	case strings.Contains(header, "xml") || bytes.HasPrefix(bytes.TrimSpace(raw), []byte("<?xml")):
		return model.ContentXML, model.ClassXML
	case strings.Contains(header, "html") || looksLikeHTML(raw):
		return model.ContentHTML, model.ClassHTML
	}
	return model.ContentOther, model.ClassUnknown
}

// classifyPDF separates text PDFs from scanned ones. A PDF with no font
// objects carries no extractable text layer and must go through OCR.
func classifyPDF(raw []byte) model.ContentClass {
	if bytes.Contains(raw, []byte("/Font")) || bytes.Contains(raw, []byte("/BaseFont")) {
		return model.ClassPDFText
	}
	return model.ClassPDFScanned
}

// NeedsOCR reports whether the evidence requires OCR before extraction.
func NeedsOCR(class model.ContentClass) bool {
	return class == model.ClassPDFScanned
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return json.Valid(trimmed)
}

func looksLikeHTML(raw []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(raw))
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.Contains(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}
