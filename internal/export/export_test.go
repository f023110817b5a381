package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"canopy/api/internal/gitrepo"
	"canopy/api/internal/store"
)

const sampleDoc = `{"type":"doc","content":[
	{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Section Title"}]},
	{"type":"paragraph","content":[
		{"type":"text","text":"Bold and italic","marks":[{"type":"bold"},{"type":"italic"}]},
		{"type":"text","text":" then "},
		{"type":"text","text":"a link","marks":[{"type":"link","attrs":{"href":"https://example.com"}}]}
	]},
	{"type":"bulletList","content":[
		{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"Item 1"}]}]},
		{"type":"listItem","content":[
			{"type":"paragraph","content":[{"type":"text","text":"Item 2"}]},
			{"type":"orderedList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"Nested"}]}]}]}
		]}
	]},
	{"type":"codeBlock","attrs":{"language":"go"},"content":[{"type":"text","text":"if a < b {}"}]},
	{"type":"taskList","content":[{"type":"taskItem","attrs":{"checked":true},"content":[{"type":"paragraph","content":[{"type":"text","text":"Done"}]}]}]}
]}`

func TestProseMirrorToHTML(t *testing.T) {
	html, err := ProseMirrorToHTML(json.RawMessage(sampleDoc))
	if err != nil {
		t.Fatalf("ProseMirrorToHTML() error = %v", err)
	}
	for _, want := range []string{
		"<h2>Section Title</h2>",
		"<strong><em>Bold and italic</em></strong>",
		`<a href="https://example.com">a link</a>`,
		"<ul>",
		"<ol>",
		"<pre><code>if a &lt; b {}</code></pre>",
		`<input type="checkbox" checked disabled>`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q:\n%s", want, html)
		}
	}
}

func TestProseMirrorToHTMLEscapesAndBlocksScriptLinks(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"<script>x</script>","marks":[{"type":"link","attrs":{"href":"javascript:alert(1)"}}]}
	]}]}`
	html, err := ProseMirrorToHTML(json.RawMessage(doc))
	if err != nil {
		t.Fatalf("ProseMirrorToHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>") || strings.Contains(html, "javascript:") {
		t.Fatalf("unsafe html: %s", html)
	}
}

func TestProseMirrorEmptyAndInvalid(t *testing.T) {
	if html, err := ProseMirrorToHTML(nil); err != nil || html != "" {
		t.Fatalf("nil doc = %q, %v", html, err)
	}
	if _, err := ProseMirrorToHTML(json.RawMessage(`{"type":`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestProseMirrorToMarkdown(t *testing.T) {
	md, err := ProseMirrorToMarkdown(json.RawMessage(sampleDoc))
	if err != nil {
		t.Fatalf("ProseMirrorToMarkdown() error = %v", err)
	}
	for _, want := range []string{
		"## Section Title\n",
		"_**Bold and italic**_",
		"[a link](https://example.com)",
		"- Item 1\n- Item 2\n  1. Nested\n",
		"```go\nif a < b {}\n```",
		"- [x] Done",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestPlainText(t *testing.T) {
	doc := `{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"Hello "},{"type":"mention","attrs":{"label":"ada"}}]},
		{"type":"paragraph","content":[{"type":"text","text":"second"}]}
	]}`
	text, err := PlainText(json.RawMessage(doc))
	if err != nil {
		t.Fatalf("PlainText() error = %v", err)
	}
	if text != "Hello @ada\nsecond" {
		t.Fatalf("PlainText() = %q", text)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Page v1.2", "My-Page-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "page"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := sanitizeFilename(tt.input); result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := percentEncodeForDataURL(tt.input); result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatHTML, "md": FormatMarkdown, "pdf": FormatPDF, "html": FormatHTML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(docx) error = %v", err)
	}
}

type fakeSource struct {
	page      store.Page
	ancestors []store.PageNode
	comments  []store.Comment
}

func (f fakeSource) GetPage(context.Context, string) (store.Page, error) { return f.page, nil }
func (f fakeSource) GetSpace(context.Context, string) (store.Space, error) {
	return store.Space{ID: "s1", Name: "Engineering"}, nil
}
func (f fakeSource) PageAncestors(context.Context, string) ([]store.PageNode, error) {
	return f.ancestors, nil
}
func (f fakeSource) ListComments(context.Context, string, string, int) ([]store.Comment, error) {
	return f.comments, nil
}

type fakeVersions struct{}

func (fakeVersions) ContentAt(pageID, hash string) (gitrepo.Content, gitrepo.Version, error) {
	if hash != "abc1234" {
		return gitrepo.Content{}, gitrepo.Version{}, gitrepo.ErrUnknownVersion
	}
	return gitrepo.Content{Title: "Old title", Doc: json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"old body"}]}]}`)}, gitrepo.Version{Hash: hash}, nil
}

func newFakeSource() fakeSource {
	parent := "root"
	return fakeSource{
		page: store.Page{
			ID: "p1", Title: "Runbook", SpaceID: "s1",
			Content:   json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"This is the content."}]}]}`),
			UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		ancestors: []store.PageNode{{ID: "root", Title: "Ops"}, {ID: "p1", Title: "Runbook"}},
		comments: []store.Comment{
			{ID: "01A", TextContent: "Is step 2 still needed?", CreatorName: "Ada", Selection: "step 2"},
			{ID: "01B", ParentCommentID: &parent, TextContent: "orphan reply"},
			{ID: "01C", ParentCommentID: strPtr("01A"), TextContent: "Yes, keep it", CreatorName: "Grace"},
		},
	}
}

func strPtr(s string) *string { return &s }

func TestExportHTMLWithComments(t *testing.T) {
	svc := NewService(newFakeSource(), nil, nil)
	result, err := svc.Export(context.Background(), Request{PageID: "p1", Format: FormatHTML, IncludeComments: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(result.Data)
	if result.Filename != "Runbook.html" {
		t.Errorf("filename = %q", result.Filename)
	}
	for _, want := range []string{"<p>This is the content.</p>", "Engineering / Ops", "Is step 2 still needed?", "Yes, keep it", "Comments"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("page content must not be escaped")
	}
	if strings.Contains(html, "orphan reply") {
		t.Error("replies without a known thread are dropped")
	}
}

func TestExportMarkdownOfVersion(t *testing.T) {
	svc := NewService(newFakeSource(), fakeVersions{}, nil)
	result, err := svc.Export(context.Background(), Request{PageID: "p1", Format: FormatMarkdown, Version: "abc1234"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if string(result.Data) != "# Old title\n\nold body\n" {
		t.Fatalf("markdown = %q", result.Data)
	}

	_, err = svc.Export(context.Background(), Request{PageID: "p1", Format: FormatMarkdown, Version: "fffffff"})
	if !errors.Is(err, gitrepo.ErrUnknownVersion) {
		t.Fatalf("unknown version error = %v", err)
	}
}

func TestExportPDFWithoutRenderer(t *testing.T) {
	svc := NewService(newFakeSource(), nil, nil)
	_, err := svc.Export(context.Background(), Request{PageID: "p1", Format: FormatPDF})
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("Export(pdf) error = %v", err)
	}
}

func TestPDFRendererNeedsBrowser(t *testing.T) {
	r := NewPDFRenderer()
	r.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if _, err := r.Render(context.Background(), "<p>x</p>"); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("Render() error = %v", err)
	}
}
