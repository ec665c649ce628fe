package app

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const previewRunes = 200

// extractPreview pulls a short text excerpt out of an uploaded document for
// listings. Best-effort: any extraction failure yields an empty preview.
func extractPreview(filename string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	var text string
	switch ext {
	case ".pdf":
		text = previewPDF(data)
	case ".html", ".htm":
		text = previewHTML(data)
	case ".txt", ".md", ".csv":
		text = string(data)
	default:
		return ""
	}
	return truncateRunes(normalizeText(text), previewRunes)
}

func previewPDF(data []byte) (text string) {
	// The pdf library panics on some malformed documents.
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString(" ")
		if sb.Len() >= previewRunes*4 {
			break
		}
	}
	return sb.String()
}

func previewHTML(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return sb.String()
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
