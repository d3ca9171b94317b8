package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	emoji "github.com/yuin/goldmark-emoji"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// Encoding is the declared or inferred content kind of a file body.
type Encoding string

const (
	EncodingMarkdown Encoding = "md"
	EncodingText     Encoding = "txt"
	EncodingNotebook Encoding = "ipynb"
	EncodingHTML     Encoding = "html"
)

func (e Encoding) known() bool {
	switch e {
	case EncodingMarkdown, EncodingText, EncodingNotebook, EncodingHTML:
		return true
	}
	return false
}

var ErrConverterUnavailable = errors.New("converter unavailable")

// resolveEncoding picks the encoding for a body that did not declare one:
// extensionless dotfiles are text, otherwise the extension wins, otherwise
// the configured stdin encoding.
func resolveEncoding(declared Encoding, filename string, stdin Encoding) Encoding {
	if declared != "" {
		return declared
	}
	if strings.HasPrefix(filename, ".") && !strings.Contains(filename[1:], ".") {
		return EncodingText
	}
	if ext := strings.TrimPrefix(filepath.Ext(filename), "."); ext != "" {
		return Encoding(strings.ToLower(ext))
	}
	return stdin
}

// NotebookConverter renders notebook JSON to an HTML fragment.
type NotebookConverter interface {
	Convert(ctx context.Context, notebook string) (string, error)
}

// nbconvert shells out to jupyter. A missing binary is reported as
// ErrConverterUnavailable.
type nbconvert struct {
	command string
	args    []string
	timeout time.Duration
}

func newNbconvert() *nbconvert {
	return &nbconvert{
		command: "jupyter",
		args:    []string{"nbconvert", "--to", "html", "--template", "classic", "--stdin", "--stdout"},
		timeout: 30 * time.Second,
	}
}

func (n *nbconvert) Convert(ctx context.Context, notebook string) (string, error) {
	bin, err := exec.LookPath(n.command)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConverterUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, n.args...)
	cmd.Stdin = strings.NewReader(notebook)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("nbconvert: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// newMarkdownRenderer creates a configured goldmark renderer
func newMarkdownRenderer() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			emoji.Emoji,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
				highlighting.WithFormatOptions(
					chromahtml.TabWidth(4),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithUnsafe(),
		),
	)
}

// Encoder turns raw file content into an HTML fragment.
type Encoder struct {
	markdown  goldmark.Markdown
	notebook  NotebookConverter
	stdin     Encoding
	staticURL string // e.g. http://localhost:9876/@static, no trailing slash
	logger    *slog.Logger
}

func NewEncoder(stdin Encoding, staticURL string, notebook NotebookConverter, logger *slog.Logger) *Encoder {
	return &Encoder{
		markdown:  newMarkdownRenderer(),
		notebook:  notebook,
		stdin:     stdin,
		staticURL: strings.TrimSuffix(staticURL, "/"),
		logger:    logger,
	}
}

// Encode renders content and returns the HTML with the encoding that was
// actually used. Unknown kinds become txt, and an ipynb conversion that
// fails degrades to txt; no other fallback exists, so the chain is at most
// one hop long.
func (e *Encoder) Encode(ctx context.Context, content string, declared Encoding, filename, cwd string) (string, Encoding, error) {
	kind := resolveEncoding(declared, filename, e.stdin)
	if !kind.known() {
		e.logger.Debug("unknown encoding, using txt", "encoding", kind, "filename", filename)
		kind = EncodingText
	}

	if kind == EncodingNotebook {
		out, err := e.notebook.Convert(ctx, content)
		if err == nil {
			return out, kind, nil
		}
		e.logger.Warn("notebook conversion failed, using txt", "filename", filename, "error", err)
		kind = EncodingText
	}

	switch kind {
	case EncodingHTML:
		return content, kind, nil
	case EncodingText:
		out, err := e.markdownToHTML(fenceText(content), cwd)
		return out, kind, err
	default:
		out, err := e.markdownToHTML(content, cwd)
		return out, kind, err
	}
}

// EncodeMessage encodes the file body of m in place. Already encoded
// messages are left alone; on error m is not modified.
func (e *Encoder) EncodeMessage(ctx context.Context, m *NavigateMessage) error {
	if m.FileEncoded {
		return nil
	}
	cwd := m.FileCwd
	if cwd == "" {
		cwd = m.Cwd
	}
	body, kind, err := e.Encode(ctx, m.FileBody, Encoding(m.FileEncoding), m.Filename, cwd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Filename, err)
	}
	m.FileBody = body
	m.FileEncoding = string(kind)
	m.FileEncoded = true
	return nil
}

func (e *Encoder) markdownToHTML(content, cwd string) (string, error) {
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return rewriteRelativeURLs(strings.TrimSpace(buf.String()), e.staticURL+normalizeCwd(cwd)), nil
}

// fenceText wraps content in a code fence longer than any backtick run
// inside it.
func fenceText(content string) string {
	longest, run := 0, 0
	for _, r := range content {
		if r == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	fence := strings.Repeat("`", max(3, longest+1))
	return fence + "\n" + content + "\n" + fence
}

var (
	tagPattern    = regexp.MustCompile(`<[a-zA-Z](?:"[^"]*"|'[^']*'|[^"'>])*>`)
	attrPattern   = regexp.MustCompile(`(\s)([^\s"'=<>/]+)(?:=("[^"]*"|'[^']*'|[^\s"'>]*))?`)
	schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// rewriteRelativeURLs points relative src/href values at base so that
// links and images resolve no matter where the fragment is shown. Only
// attributes of real tags are touched; escaped text such as code blocks
// is left as written.
func rewriteRelativeURLs(fragment, base string) string {
	return tagPattern.ReplaceAllStringFunc(fragment, func(tag string) string {
		return attrPattern.ReplaceAllStringFunc(tag, func(attr string) string {
			m := attrPattern.FindStringSubmatch(attr)
			name, quoted := strings.ToLower(m[2]), m[3]
			if (name != "src" && name != "href") || len(quoted) < 2 || (quoted[0] != '"' && quoted[0] != '\'') {
				return attr
			}
			quote, target := quoted[:1], quoted[1:len(quoted)-1]
			if target == "" || strings.HasPrefix(target, "/") || strings.HasPrefix(target, "#") || schemePattern.MatchString(target) {
				return attr
			}
			return m[1] + m[2] + "=" + quote + base + strings.TrimPrefix(target, "./") + quote
		})
	})
}
