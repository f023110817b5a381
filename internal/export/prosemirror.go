package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
)

// Node is one node of a ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ParseDoc decodes ProseMirror JSON. Empty input is an empty document.
func ParseDoc(raw json.RawMessage) (Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Node{Type: "doc"}, nil
	}
	var doc Node
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Node{}, fmt.Errorf("decode prosemirror doc: %w", err)
	}
	return doc, nil
}

func (n Node) attrString(key string) string {
	v, _ := n.Attrs[key].(string)
	return v
}

func (n Node) attrInt(key string, fallback int) int {
	switch v := n.Attrs[key].(type) {
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func (m Mark) attrString(key string) string {
	v, _ := m.Attrs[key].(string)
	return v
}

// ProseMirrorToHTML renders raw ProseMirror JSON as an HTML fragment.
func ProseMirrorToHTML(raw json.RawMessage) (string, error) {
	doc, err := ParseDoc(raw)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	renderHTML(&b, doc)
	return b.String(), nil
}

func renderHTML(b *strings.Builder, node Node) {
	wrap := func(open, close string) {
		b.WriteString(open)
		for _, child := range node.Content {
			renderHTML(b, child)
		}
		b.WriteString(close)
	}

	switch node.Type {
	case "paragraph":
		wrap("<p>", "</p>\n")
	case "heading":
		level := min(max(node.attrInt("level", 1), 1), 6)
		wrap(fmt.Sprintf("<h%d>", level), fmt.Sprintf("</h%d>\n", level))
	case "bulletList":
		wrap("<ul>\n", "</ul>\n")
	case "orderedList":
		wrap("<ol>\n", "</ol>\n")
	case "taskList":
		wrap(`<ul class="tasks">`+"\n", "</ul>\n")
	case "listItem":
		wrap("<li>", "</li>\n")
	case "taskItem":
		box := `<input type="checkbox" disabled>`
		if checked, _ := node.Attrs["checked"].(bool); checked {
			box = `<input type="checkbox" checked disabled>`
		}
		wrap("<li>"+box, "</li>\n")
	case "blockquote":
		wrap("<blockquote>\n", "</blockquote>\n")
	case "codeBlock":
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(plainText(node)))
		b.WriteString("</code></pre>\n")
	case "text":
		b.WriteString(renderTextWithMarks(node.Text, node.Marks))
	case "hardBreak":
		b.WriteString("<br>")
	case "image":
		fmt.Fprintf(b, `<img src="%s" alt="%s">`, html.EscapeString(node.attrString("src")), html.EscapeString(node.attrString("alt")))
	case "mention":
		fmt.Fprintf(b, `<span class="mention">@%s</span>`, html.EscapeString(node.attrString("label")))
	case "table":
		wrap("<table>\n", "</table>\n")
	case "tableRow":
		wrap("<tr>\n", "</tr>\n")
	case "tableCell":
		wrap("<td>", "</td>\n")
	case "tableHeader":
		wrap("<th>", "</th>\n")
	case "horizontalRule":
		b.WriteString("<hr>\n")
	default:
		wrap("", "")
	}
}

// renderTextWithMarks applies marks from the innermost outwards.
func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(safeHref(marks[i].attrString("href"))), out)
		}
	}
	return out
}

func safeHref(href string) string {
	lower := strings.ToLower(strings.TrimSpace(href))
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "data:") {
		return "#"
	}
	return href
}

// ProseMirrorToMarkdown renders raw ProseMirror JSON as CommonMark.
func ProseMirrorToMarkdown(raw json.RawMessage) (string, error) {
	doc, err := ParseDoc(raw)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	renderMarkdownBlocks(&b, doc.Content, "")
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func renderMarkdownBlocks(b *strings.Builder, nodes []Node, indent string) {
	for _, node := range nodes {
		switch node.Type {
		case "paragraph":
			b.WriteString(indent + inlineMarkdown(node.Content) + "\n\n")
		case "heading":
			level := min(max(node.attrInt("level", 1), 1), 6)
			b.WriteString(strings.Repeat("#", level) + " " + inlineMarkdown(node.Content) + "\n\n")
		case "bulletList", "orderedList", "taskList":
			renderMarkdownList(b, node, indent)
			if indent == "" {
				b.WriteString("\n")
			}
		case "blockquote":
			var inner strings.Builder
			renderMarkdownBlocks(&inner, node.Content, "")
			for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
				b.WriteString(indent + strings.TrimRight("> "+line, " ") + "\n")
			}
			b.WriteString("\n")
		case "codeBlock":
			fmt.Fprintf(b, "%s```%s\n%s\n%s```\n\n", indent, node.attrString("language"), plainText(node), indent)
		case "horizontalRule":
			b.WriteString("---\n\n")
		case "image":
			fmt.Fprintf(b, "![%s](%s)\n\n", node.attrString("alt"), node.attrString("src"))
		case "table":
			renderMarkdownTable(b, node)
		default:
			renderMarkdownBlocks(b, node.Content, indent)
		}
	}
}

func renderMarkdownList(b *strings.Builder, list Node, indent string) {
	start := list.attrInt("start", 1)
	for i, item := range list.Content {
		bullet := "- "
		switch {
		case list.Type == "orderedList":
			bullet = strconv.Itoa(start+i) + ". "
		case item.Type == "taskItem":
			if checked, _ := item.Attrs["checked"].(bool); checked {
				bullet = "- [x] "
			} else {
				bullet = "- [ ] "
			}
		}
		for j, child := range item.Content {
			switch {
			case j == 0 && child.Type == "paragraph":
				b.WriteString(indent + bullet + inlineMarkdown(child.Content) + "\n")
			case child.Type == "bulletList" || child.Type == "orderedList" || child.Type == "taskList":
				renderMarkdownList(b, child, indent+"  ")
			default:
				renderMarkdownBlocks(b, []Node{child}, indent+"  ")
			}
		}
	}
}

func renderMarkdownTable(b *strings.Builder, table Node) {
	for i, row := range table.Content {
		cells := make([]string, 0, len(row.Content))
		for _, cell := range row.Content {
			cells = append(cells, strings.ReplaceAll(strings.TrimSpace(plainText(cell)), "|", `\|`))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", len(cells)) + "\n")
		}
	}
	b.WriteString("\n")
}

func inlineMarkdown(nodes []Node) string {
	var b strings.Builder
	for _, node := range nodes {
		switch node.Type {
		case "text":
			text := node.Text
			for _, mark := range node.Marks {
				switch mark.Type {
				case "bold":
					text = "**" + text + "**"
				case "italic":
					text = "_" + text + "_"
				case "code":
					text = "`" + text + "`"
				case "strike":
					text = "~~" + text + "~~"
				case "link":
					text = "[" + text + "](" + mark.attrString("href") + ")"
				}
			}
			b.WriteString(text)
		case "hardBreak":
			b.WriteString("  \n")
		case "mention":
			b.WriteString("@" + node.attrString("label"))
		case "image":
			fmt.Fprintf(&b, "![%s](%s)", node.attrString("alt"), node.attrString("src"))
		default:
			b.WriteString(inlineMarkdown(node.Content))
		}
	}
	return b.String()
}

// PlainText extracts the text of a document, one line per block. Pages and
// comments store it for search.
func PlainText(raw json.RawMessage) (string, error) {
	doc, err := ParseDoc(raw)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(plainText(doc)), nil
}

func plainText(node Node) string {
	switch node.Type {
	case "text":
		return node.Text
	case "hardBreak":
		return "\n"
	case "mention":
		return "@" + node.attrString("label")
	}
	var b strings.Builder
	for i, child := range node.Content {
		if i > 0 && isBlock(child) {
			b.WriteString("\n")
		}
		b.WriteString(plainText(child))
	}
	return b.String()
}

func isBlock(node Node) bool {
	switch node.Type {
	case "text", "hardBreak", "mention", "image":
		return false
	}
	return true
}
