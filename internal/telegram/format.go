package telegram

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// EscapeHTML escapes the three characters Telegram HTML requires.
func EscapeHTML(s string) string {
	return textEscaper.Replace(s)
}

// Format renders Markdown as the HTML subset Telegram accepts: b, i, s,
// code, pre, a and blockquote. Headings become bold lines and lists
// become bullet or numbered lines; raw HTML is shown literally.
func Format(md string) string {
	src := []byte(md)
	w := &htmlWriter{src: src}
	_ = ast.Walk(markdown.Parser().Parse(text.NewReader(src)), w.walk)
	return strings.TrimSpace(w.buf.String())
}

type listState struct {
	ordered bool
	next    int
}

type htmlWriter struct {
	buf   bytes.Buffer
	src   []byte
	lists []*listState
}

func (w *htmlWriter) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Paragraph:
		if !entering {
			w.endBlock(n)
		}

	case *ast.TextBlock:
		if !entering && n.NextSibling() != nil {
			w.ensureNewline()
		}

	case *ast.Heading:
		if entering {
			w.buf.WriteString("<b>")
		} else {
			w.buf.WriteString("</b>")
			w.endBlock(n)
		}

	case *ast.Emphasis:
		if n.Level >= 2 {
			w.tag("b", entering)
		} else {
			w.tag("i", entering)
		}

	case *east.Strikethrough:
		w.tag("s", entering)

	case *ast.CodeSpan:
		if entering {
			w.buf.WriteString("<code>")
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				switch t := c.(type) {
				case *ast.Text:
					w.escape(t.Segment.Value(w.src))
				case *ast.String:
					w.escape(t.Value)
				}
			}
			w.buf.WriteString("</code>")
		}
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock:
		if entering {
			w.codeBlock(n, string(n.Language(w.src)))
		}
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if entering {
			w.codeBlock(n, "")
		}
		return ast.WalkSkipChildren, nil

	case *ast.Link:
		w.link(n.Destination, entering)

	case *ast.Image:
		w.link(n.Destination, entering)

	case *ast.AutoLink:
		if entering {
			w.link(n.URL(w.src), true)
			w.escape(n.Label(w.src))
			w.link(nil, false)
		}
		return ast.WalkSkipChildren, nil

	case *ast.List:
		if entering {
			w.ensureNewline()
			w.lists = append(w.lists, &listState{ordered: n.IsOrdered(), next: n.Start})
		} else {
			w.lists = w.lists[:len(w.lists)-1]
			if len(w.lists) == 0 {
				w.endBlock(n)
			}
		}

	case *ast.ListItem:
		if entering {
			w.listMarker()
		} else {
			w.ensureNewline()
		}

	case *ast.Blockquote:
		if entering {
			w.buf.WriteString("<blockquote>")
		} else {
			w.trimNewlines()
			w.buf.WriteString("</blockquote>")
			w.endBlock(n)
		}

	case *ast.ThematicBreak:
		if entering {
			w.buf.WriteString("――――――")
			w.endBlock(n)
		}

	case *ast.Text:
		if entering {
			w.escape(n.Segment.Value(w.src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				w.buf.WriteByte('\n')
			}
		}

	case *ast.String:
		if entering {
			w.escape(n.Value)
		}

	case *ast.RawHTML:
		if entering {
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				w.escape(seg.Value(w.src))
			}
		}

	case *ast.HTMLBlock:
		if entering {
			w.lines(n)
			if n.HasClosure() {
				w.escape(n.ClosureLine.Value(w.src))
			}
			w.trimNewlines()
			w.endBlock(n)
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (w *htmlWriter) tag(name string, open bool) {
	if open {
		fmt.Fprintf(&w.buf, "<%s>", name)
	} else {
		fmt.Fprintf(&w.buf, "</%s>", name)
	}
}

func (w *htmlWriter) link(dest []byte, open bool) {
	if open {
		fmt.Fprintf(&w.buf, `<a href="%s">`, attrEscaper.Replace(string(dest)))
	} else {
		w.buf.WriteString("</a>")
	}
}

func (w *htmlWriter) codeBlock(n ast.Node, lang string) {
	if lang != "" {
		fmt.Fprintf(&w.buf, `<pre><code class="language-%s">`, attrEscaper.Replace(lang))
	} else {
		w.buf.WriteString("<pre><code>")
	}
	w.lines(n)
	w.trimNewlines()
	w.buf.WriteString("</code></pre>")
	w.endBlock(n)
}

func (w *htmlWriter) lines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.escape(seg.Value(w.src))
	}
}

func (w *htmlWriter) listMarker() {
	w.ensureNewline()
	l := w.lists[len(w.lists)-1]
	w.buf.WriteString(strings.Repeat("  ", len(w.lists)-1))
	if l.ordered {
		fmt.Fprintf(&w.buf, "%d. ", l.next)
		l.next++
	} else {
		w.buf.WriteString("• ")
	}
}

// endBlock separates n from the block after it. Blocks inside a list
// item are separated by a single newline so items stay compact.
func (w *htmlWriter) endBlock(n ast.Node) {
	if _, ok := n.Parent().(*ast.ListItem); ok {
		if n.NextSibling() != nil {
			w.ensureNewline()
		}
		return
	}
	w.trimNewlines()
	w.buf.WriteString("\n\n")
}

func (w *htmlWriter) escape(b []byte) {
	w.buf.WriteString(textEscaper.Replace(string(b)))
}

func (w *htmlWriter) ensureNewline() {
	if b := w.buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
		w.buf.WriteByte('\n')
	}
}

func (w *htmlWriter) trimNewlines() {
	b := w.buf.Bytes()
	n := len(b)
	for n > 0 && b[n-1] == '\n' {
		n--
	}
	w.buf.Truncate(n)
}
