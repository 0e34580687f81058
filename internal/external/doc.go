package external

import (
	"encoding/json"
	"strings"
)

// adfNode is the subset of the Atlassian document format we read and write.
type adfNode struct {
	Type    string    `json:"type"`
	Version int       `json:"version,omitempty"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

// textDoc wraps plain text in a document with one paragraph per line.
func textDoc(text string) adfNode {
	doc := adfNode{Type: "doc", Version: 1}
	for _, line := range strings.Split(text, "\n") {
		p := adfNode{Type: "paragraph"}
		if line != "" {
			p.Content = []adfNode{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, p)
	}
	return doc
}

// docText flattens a description field to plain text. The field is either a
// document node or, on older instances, a plain string.
func docText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var node adfNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	var lines []string
	for _, block := range node.Content {
		lines = append(lines, blockText(block))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func blockText(n adfNode) string {
	if n.Type == "text" {
		return n.Text
	}
	var b strings.Builder
	for _, c := range n.Content {
		b.WriteString(blockText(c))
	}
	return b.String()
}
