package app

import (
	"strings"
	"testing"
)

func TestExtractPreviewPlainText(t *testing.T) {
	got := extractPreview("notes.txt", []byte("  血圧の記録\n\n朝 120/80  "))
	if got != "血圧の記録 朝 120/80" {
		t.Fatalf("preview = %q", got)
	}
}

func TestExtractPreviewHTMLSkipsScripts(t *testing.T) {
	doc := `<html><head><script>var x = 1;</script><style>p{}</style></head>` +
		`<body><p>訪問記録</p><p>昼食を完食</p></body></html>`
	got := extractPreview("report.html", []byte(doc))
	if !strings.Contains(got, "訪問記録") || !strings.Contains(got, "昼食を完食") {
		t.Fatalf("preview = %q", got)
	}
	if strings.Contains(got, "var x") {
		t.Fatalf("script content leaked into preview: %q", got)
	}
}

func TestExtractPreviewTruncates(t *testing.T) {
	long := strings.Repeat("あ", previewRunes+50)
	got := extractPreview("long.txt", []byte(long))
	if len([]rune(got)) != previewRunes {
		t.Fatalf("preview length = %d, want %d", len([]rune(got)), previewRunes)
	}
}

func TestExtractPreviewUnknownExtensionEmpty(t *testing.T) {
	if got := extractPreview("image.png", []byte{0x89, 0x50}); got != "" {
		t.Fatalf("preview = %q, want empty", got)
	}
}

func TestExtractPreviewMalformedPDFEmpty(t *testing.T) {
	if got := extractPreview("broken.pdf", []byte("not a pdf")); got != "" {
		t.Fatalf("preview = %q, want empty", got)
	}
}
