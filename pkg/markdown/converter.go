package markdown

import (
	"html"
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphPattern = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	codeBlockPattern = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	imagePattern     = regexp.MustCompile(`<img[^>]*alt="([^"]*)"[^>]*>`)
	tagPattern       = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(?:\s[^>]*)?/?>`)
	newlinesPattern  = regexp.MustCompile(`\n{3,}`)
)

// ToPlainText renders markdown the way chat shows it: emphasis, links and
// headings are reduced to their text, list items become "• " lines.
func ToPlainText(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	// Convert markdown to HTML using blackfriday
	rendered := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return cleanHTMLForChat(rendered)
}

// cleanHTMLForChat strips the HTML produced by blackfriday down to text
func cleanHTMLForChat(s string) string {
	s = paragraphPattern.ReplaceAllString(s, "$1\n")
	s = codeBlockPattern.ReplaceAllString(s, "$1")
	s = imagePattern.ReplaceAllString(s, "$1")

	// Keep list items readable
	s = strings.ReplaceAll(s, "<li>", "• ")
	s = strings.ReplaceAll(s, "</li>", "\n")
	s = strings.ReplaceAll(s, "<br />", "\n")

	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	// Clean up extra newlines
	s = newlinesPattern.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}
