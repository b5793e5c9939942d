package telegram

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/net/html"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// inlineTags maps goldmark output to the tags Telegram's HTML mode accepts.
var inlineTags = map[string]string{
	"b": "b", "strong": "b",
	"i": "i", "em": "i",
	"u": "u", "ins": "u",
	"s": "s", "strike": "s", "del": "s",
	"blockquote": "blockquote",
	"h1": "b", "h2": "b", "h3": "b", "h4": "b", "h5": "b", "h6": "b",
}

// renderHTML converts Markdown into the HTML subset understood by Telegram.
// Unsupported constructs are flattened to text.
func renderHTML(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return html.EscapeString(md)
	}
	return rewriteHTML(buf.String())
}

// blockTags are elements whose surrounding whitespace is layout, not text.
var blockTags = map[string]bool{
	"p": true, "ul": true, "ol": true, "li": true, "pre": true, "blockquote": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

type listLevel struct {
	ordered bool
	n       int
}

func rewriteHTML(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var sb strings.Builder
	var lists []listLevel
	inPre := false
	afterBlock := true

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := z.Token()

		if tt == html.TextToken {
			if !inPre && afterBlock && strings.TrimSpace(tok.Data) == "" {
				continue
			}
			sb.WriteString(html.EscapeString(tok.Data))
			afterBlock = false
			continue
		}
		afterBlock = blockTags[tok.Data]

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if tag, ok := inlineTags[tok.Data]; ok {
				sb.WriteString("<" + tag + ">")
				continue
			}
			switch tok.Data {
			case "pre":
				inPre = true
				sb.WriteString("<pre>")
			case "code":
				if !inPre {
					sb.WriteString("<code>")
				}
			case "a":
				if href := attr(tok.Attr, "href"); href != "" {
					fmt.Fprintf(&sb, `<a href="%s">`, html.EscapeString(href))
				} else {
					sb.WriteString("<a>")
				}
			case "br":
				sb.WriteString("\n")
			case "hr":
				sb.WriteString("\n──────────\n")
			case "ul":
				lists = append(lists, listLevel{})
			case "ol":
				start, _ := strconv.Atoi(attr(tok.Attr, "start"))
				if start > 0 {
					start--
				}
				lists = append(lists, listLevel{ordered: true, n: start})
			case "li":
				indent := ""
				if len(lists) > 1 {
					indent = strings.Repeat("  ", len(lists)-1)
				}
				if len(lists) > 0 && lists[len(lists)-1].ordered {
					lists[len(lists)-1].n++
					fmt.Fprintf(&sb, "\n%s%d. ", indent, lists[len(lists)-1].n)
				} else {
					sb.WriteString("\n" + indent + "• ")
				}
			}

		case html.EndTagToken:
			if tag, ok := inlineTags[tok.Data]; ok {
				if tag == "blockquote" {
					trimmed := strings.TrimRight(sb.String(), "\n")
					sb.Reset()
					sb.WriteString(trimmed)
				}
				sb.WriteString("</" + tag + ">")
				if blockTags[tok.Data] {
					sb.WriteString("\n\n")
				}
				continue
			}
			switch tok.Data {
			case "pre":
				inPre = false
				sb.WriteString("</pre>\n\n")
			case "code":
				if !inPre {
					sb.WriteString("</code>")
				}
			case "a":
				sb.WriteString("</a>")
			case "p":
				sb.WriteString("\n\n")
			case "ul", "ol":
				if len(lists) > 0 {
					lists = lists[:len(lists)-1]
				}
				sb.WriteString("\n")
			}
		}
	}

	out := strings.TrimSpace(sb.String())
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return out
}

func attr(attrs []html.Attribute, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// paragraph, line and word boundaries.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		window := string(runes[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = utf8.RuneCountInString(window[:i])
				break
			}
		}
		if cut <= 0 {
			cut = limit
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
