package envelope

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// flattenHTML reduces chat-style HTML to plain text. Anchors keep their
// target as "text (href)" so embedded links survive flattening. Script and
// style subtrees are dropped entirely.
func flattenHTML(markup string) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return strings.TrimSpace(markup)
	}
	var b strings.Builder
	flattenNode(doc, &b)
	return strings.TrimSpace(collapseSpace(b.String()))
}

func flattenNode(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style:
			return
		case atom.Br:
			b.WriteString("\n")
		case atom.A:
			text := collectText(n)
			href := attrVal(n, "href")
			b.WriteString(text)
			if href != "" && href != text {
				b.WriteString(" (" + href + ")")
			}
			return
		case atom.P, atom.Div, atom.Li, atom.Tr:
			defer b.WriteString("\n")
		}
	case html.TextNode:
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flattenNode(c, b)
	}
}

func collectText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(collectText(c))
	}
	return strings.TrimSpace(b.String())
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapseSpace trims trailing space per line and collapses runs of blank
// lines to one.
func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
