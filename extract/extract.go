// Package extract finds the latest reply on the chat page, converts it to
// text and classifies unusable replies.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/timing"
	"golang.org/x/net/html"
)

// Format selects how reply HTML is rendered.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// DefaultMinLength is the shortest reply, in characters, accepted as real.
const DefaultMinLength = 10

// Options tunes an Extractor.
type Options struct {
	// ResponseTimeout bounds the wait for generation to finish.
	ResponseTimeout time.Duration

	// Settle is the extra pause after generation stops.
	Settle timing.Range

	Format    Format
	MinLength int
}

// Extractor reads the most recent reply from the page.
type Extractor struct {
	d      driver.Driver
	loc    *locator.Set
	opts   Options
	logger *slog.Logger
	conv   *converter.Converter
}

// New returns an Extractor. Zero option values take their defaults.
func New(d driver.Driver, loc *locator.Set, opts Options, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 90 * time.Second
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.Format == "" {
		opts.Format = FormatText
	}
	e := &Extractor{d: d, loc: loc, opts: opts, logger: logger}
	if opts.Format == FormatMarkdown {
		e.conv = newMarkdownConverter()
	}
	return e
}

// ExtractLatest waits for generation to finish and returns the newest reply.
// Failures are *models.RunError of kind NoResponse, ExtractionFailed or
// EmptyResponse.
func (e *Extractor) ExtractLatest(ctx context.Context) (string, error) {
	for _, q := range e.loc.StopButton {
		if ok, err := e.d.IsVisible(ctx, q); err != nil || !ok {
			continue
		}
		e.logger.Debug("waiting for generation to finish", "selector", q.String())
		if err := e.d.WaitAbsent(ctx, q, e.opts.ResponseTimeout); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.logger.Warn("generation indicator still visible", "timeout", e.opts.ResponseTimeout)
		}
	}
	if err := timing.SleepRange(ctx, e.opts.Settle); err != nil {
		return "", err
	}

	els, q, err := driver.FindFirst(ctx, e.d, e.loc.Response)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", models.NewRunError(models.KindNoResponse, "No response found", err)
	}
	last := els[len(els)-1]
	e.logger.Debug("reply located", "selector", q.String(), "matches", len(els))

	text, err := e.render(last)
	if err != nil {
		return "", models.NewRunError(models.KindExtractionFailed, "Failed to extract response", err)
	}
	text = Normalize(text)

	if utf8.RuneCountInString(text) < e.opts.MinLength {
		return "", models.NewRunError(models.KindEmptyResponse,
			fmt.Sprintf("Response too short (%d chars)", utf8.RuneCountInString(text)), nil)
	}
	return text, nil
}

func (e *Extractor) render(el driver.Element) (string, error) {
	if strings.TrimSpace(el.HTML) == "" {
		return el.Text, nil
	}
	if e.conv != nil {
		return e.conv.ConvertString(el.HTML)
	}
	return PlainText(el.HTML)
}

// Normalize collapses runs of three or more newlines to two and trims.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

// blockTags end a line of text when rendered.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "pre": true, "blockquote": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "table": true, "ul": true, "ol": true, "section": true, "article": true,
}

// PlainText renders an HTML fragment as text with block elements on their
// own lines.
func PlainText(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(s *goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			n := c.Get(0)
			switch n.Type {
			case html.TextNode:
				b.WriteString(n.Data)
			case html.ElementNode:
				tag := goquery.NodeName(c)
				if skipText[tag] {
					return
				}
				if tag == "br" {
					b.WriteByte('\n')
					return
				}
				walk(c)
				if blockTags[tag] {
					b.WriteString("\n\n")
				}
			}
		})
	}
	walk(doc.Selection)

	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n"), nil
}

// newMarkdownConverter creates a goroutine-safe Converter for reply HTML.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}
