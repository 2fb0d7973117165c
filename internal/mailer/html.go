package mailer

import (
	"strings"

	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "header": true, "footer": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "table": true, "tr": true, "blockquote": true, "pre": true,
}

// htmlToText renders the readable text of an HTML body for the text/plain part.
// Input that cannot be parsed is returned unchanged.
func htmlToText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text := collapseSpace(n.Data); text != "" {
				if b.Len() > 0 && !endsWithSpace(b.String()) && startsWithSpace(n.Data) {
					b.WriteByte(' ')
				}
				b.WriteString(text)
				if endsWithSpace(n.Data) {
					b.WriteByte(' ')
				}
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head":
				return
			case "br":
				newline(&b)
				return
			case "li":
				newline(&b)
				b.WriteString("- ")
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type != html.ElementNode {
			return
		}
		if n.Data == "a" {
			if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "#") && href != innerText(n) {
				trimTrailingSpace(&b)
				b.WriteString(" (" + href + ")")
			}
		}
		if blockElements[n.Data] {
			newline(&b)
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func startsWithSpace(s string) bool {
	return s != "" && strings.ContainsAny(s[:1], " \t\r\n")
}

func endsWithSpace(s string) bool {
	return s != "" && strings.ContainsAny(s[len(s)-1:], " \t\r\n")
}

func newline(b *strings.Builder) {
	trimTrailingSpace(b)
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
}

func trimTrailingSpace(b *strings.Builder) {
	s := b.String()
	if t := strings.TrimRight(s, " \t"); len(t) != len(s) {
		b.Reset()
		b.WriteString(t)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
