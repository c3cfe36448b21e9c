// internal/mailbox/mailbox.go

// Package mailbox retrieves verification codes from the inbox that receives
// the target service's registration mail. Providers answer single fetches;
// the Poller turns those into a bounded polling loop.
package mailbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Provider does one round trip against the underlying inbox. It returns
// ("", nil) when no matching message has arrived yet. Messages older than
// since are never considered, so a code from a previous registration attempt
// cannot satisfy a new one.
type Provider interface {
	FetchCode(ctx context.Context, identity string, since time.Time) (string, error)
}

// Extractor pulls a verification code out of a message body using the
// configured pattern. The first capture group is the code when the pattern
// has one, otherwise the whole match is.
type Extractor struct {
	re *regexp.Regexp
}

// NewExtractor compiles the pattern. The pattern is operator-supplied
// configuration, so a bad one is rejected here rather than at match time.
func NewExtractor(pattern string) (*Extractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid code pattern %q: %w", pattern, err)
	}
	return &Extractor{re: re}, nil
}

// Extract searches the plain-text body first and falls back to the HTML body
// with tags stripped. It returns ("", false) when neither contains a code.
func (e *Extractor) Extract(text, htmlBody string) (string, bool) {
	if code, ok := e.match(text); ok {
		return code, true
	}
	if htmlBody == "" {
		return "", false
	}
	return e.match(stripHTML(htmlBody))
}

func (e *Extractor) match(body string) (string, bool) {
	if body == "" {
		return "", false
	}
	m := e.re.FindStringSubmatch(body)
	switch {
	case m == nil:
		return "", false
	case len(m) > 1 && m[1] != "":
		return m[1], true
	default:
		return m[0], true
	}
}

// stripHTML flattens markup to its text content. Script and style bodies are
// skipped so embedded code cannot look like a verification code.
func stripHTML(body string) string {
	var (
		b    strings.Builder
		skip int
	)
	z := html.NewTokenizer(strings.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}
