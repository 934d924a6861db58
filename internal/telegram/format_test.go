package telegram

import "testing"

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello there", "Hello there"},
		{"emphasis", "**bold** and _it_", "<b>bold</b> and <i>it</i>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"heading", "# Title\n\nBody text", "<b>Title</b>\n\nBody text"},
		{"escapes", "1 < 2 && 3 > 2", "1 &lt; 2 &amp;&amp; 3 &gt; 2"},
		{"code span", "Use `a<b` now", "Use <code>a&lt;b</code> now"},
		{"fenced code", "```go\nfmt.Println(\"hi\")\n```", `<pre><code class="language-go">fmt.Println("hi")</code></pre>`},
		{"link", "[docs](https://example.com/?a=1&b=2)", `<a href="https://example.com/?a=1&amp;b=2">docs</a>`},
		{"linkify", "see https://example.com now", `see <a href="https://example.com">https://example.com</a> now`},
		{"bullets", "- one\n- two", "• one\n• two"},
		{"numbered", "3. three\n4. four", "3. three\n4. four"},
		{"nested list", "- a\n  - b", "• a\n  • b"},
		{"list between paragraphs", "Intro:\n\n- a\n- b\n\nDone.", "Intro:\n\n• a\n• b\n\nDone."},
		{"blockquote", "> quoted line", "<blockquote>quoted line</blockquote>"},
		{"soft break", "line one\nline two", "line one\nline two"},
		{"raw html is literal", "say <b>hi</b>", "say &lt;b&gt;hi&lt;/b&gt;"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.in); got != tt.want {
				t.Errorf("Format(%q)\n got %q\nwant %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	if got := EscapeHTML(`<a href="x">&</a>`); got != `&lt;a href="x"&gt;&amp;&lt;/a&gt;` {
		t.Errorf("EscapeHTML = %q", got)
	}
}
