// ABOUTME: Markdown rendering for outbound chat replies using goldmark
// ABOUTME: Full HTML for Matrix and a restricted tag subset for Telegram

package markdown

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

// ToHTML converts Markdown to HTML. Raw HTML in the input is omitted.
func ToHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// ToTelegramHTML converts Markdown to the HTML subset Telegram accepts:
// b, i, s, code, pre, a and blockquote. Everything else becomes escaped text.
func ToTelegramHTML(source string) string {
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	r := &telegramRenderer{src: src}
	_ = ast.Walk(doc, r.walk)

	out := excessNewlines.ReplaceAllString(r.buf.String(), "\n\n")
	return strings.TrimSpace(out)
}

type telegramRenderer struct {
	src []byte
	buf strings.Builder
}

func (r *telegramRenderer) write(s string) { r.buf.WriteString(s) }

func (r *telegramRenderer) escape(b []byte) { r.buf.WriteString(html.EscapeString(string(b))) }

func (r *telegramRenderer) endBlock() {
	s := r.buf.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		r.write("\n")
		return
	}
	r.write("\n\n")
}

func (r *telegramRenderer) endLine() {
	if s := r.buf.String(); s != "" && !strings.HasSuffix(s, "\n") {
		r.write("\n")
	}
}

func (r *telegramRenderer) lines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.escape(seg.Value(r.src))
	}
}

func (r *telegramRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:
	case *ast.Paragraph, *ast.Heading:
		if _, heading := node.(*ast.Heading); heading {
			r.tag("b", entering)
		}
		if !entering {
			if isInTightList(node) {
				r.endLine()
			} else {
				r.endBlock()
			}
		}
	case *ast.TextBlock:
		if !entering {
			r.endLine()
		}
	case *ast.Text:
		if entering {
			r.escape(node.Segment.Value(r.src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				r.write("\n")
			}
		}
	case *ast.String:
		if entering {
			r.escape(node.Value)
		}
	case *ast.Emphasis:
		if node.Level >= 2 {
			r.tag("b", entering)
		} else {
			r.tag("i", entering)
		}
	case *east.Strikethrough:
		r.tag("s", entering)
	case *ast.CodeSpan:
		r.tag("code", entering)
	case *ast.FencedCodeBlock:
		if entering {
			if lang := node.Language(r.src); len(lang) > 0 {
				r.write(`<pre><code class="language-` + html.EscapeString(string(lang)) + `">`)
			} else {
				r.write("<pre><code>")
			}
			r.lines(node)
			r.write("</code></pre>")
			r.endBlock()
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			r.write("<pre><code>")
			r.lines(node)
			r.write("</code></pre>")
			r.endBlock()
		}
		return ast.WalkSkipChildren, nil
	case *ast.Link:
		if entering {
			r.write(`<a href="` + html.EscapeString(string(node.Destination)) + `">`)
		} else {
			r.write("</a>")
		}
	case *ast.AutoLink:
		if entering {
			url := string(node.URL(r.src))
			if node.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
				url = "mailto:" + url
			}
			r.write(`<a href="` + html.EscapeString(url) + `">`)
			r.escape(node.Label(r.src))
			r.write("</a>")
		}
		return ast.WalkSkipChildren, nil
	case *ast.Image:
		if entering {
			r.write(`<a href="` + html.EscapeString(string(node.Destination)) + `">`)
		} else {
			r.write("</a>")
		}
	case *ast.Blockquote:
		r.tag("blockquote", entering)
		if !entering {
			r.endBlock()
		}
	case *ast.List:
		if !entering {
			r.endBlock()
		}
	case *ast.ListItem:
		if entering {
			r.endLine()
			r.write(listMarker(node))
		} else {
			r.endLine()
		}
	case *ast.ThematicBreak:
		if entering {
			r.write("———")
			r.endBlock()
		}
	case *ast.HTMLBlock:
		if entering {
			r.lines(node)
			r.endBlock()
		}
		return ast.WalkSkipChildren, nil
	case *ast.RawHTML:
		if entering {
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				r.escape(seg.Value(r.src))
			}
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) tag(name string, entering bool) {
	if entering {
		r.write("<" + name + ">")
	} else {
		r.write("</" + name + ">")
	}
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	index := 0
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		index++
	}
	return strconv.Itoa(list.Start+index) + ". "
}

func isInTightList(n ast.Node) bool {
	item, ok := n.Parent().(*ast.ListItem)
	if !ok {
		return false
	}
	list, ok := item.Parent().(*ast.List)
	return ok && list.IsTight
}
