package convert

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// MarkdownHTML は外部ツールなしで markdown を HTML に変換します。
type MarkdownHTML struct{}

func (MarkdownHTML) Convert(ctx context.Context, req Request) ([]string, error) {
	if req.From != FormatMarkdown || req.To != FormatHTML {
		return nil, fmt.Errorf("markdown engine cannot convert %s -> %s", req.From, req.To)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, err
	}

	reportProgress(req.Progress, "process", 40)
	doc, err := RenderDocument(source)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	outputPath := filepath.Join(req.OutputDir, OutputName(req.InputPath, FormatHTML))
	if err := os.WriteFile(outputPath, doc, 0o640); err != nil {
		return nil, err
	}
	reportProgress(req.Progress, "write", 90)
	return []string{outputPath}, nil
}

// RenderMarkdown は GFM 拡張付きで markdown を HTML 断片に変換します。
func RenderMarkdown(source []byte) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithXHTML()),
	)
	var buf bytes.Buffer
	if err := md.Convert(source, &buf); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderDocument は front matter を取り除いた markdown を1つの HTML 文書にします。
// title があれば <title> に使います。
func RenderDocument(source []byte) ([]byte, error) {
	title, body := splitFrontMatter(string(source))
	rendered, err := RenderMarkdown([]byte(body))
	if err != nil {
		return nil, err
	}
	return wrapDocument(title, rendered), nil
}

// splitFrontMatter は先頭の YAML front matter を取り除き、title があれば返します。
func splitFrontMatter(doc string) (title, body string) {
	if !strings.HasPrefix(doc, "---\n") {
		return "", doc
	}
	end := strings.Index(doc[4:], "\n---\n")
	if end < 0 {
		return "", doc
	}
	header := doc[4 : 4+end]
	body = doc[4+end+5:]
	for _, line := range strings.Split(header, "\n") {
		if v, ok := strings.CutPrefix(line, "title:"); ok {
			v = strings.TrimSpace(v)
			if unquoted, err := strconv.Unquote(v); err == nil {
				v = unquoted
			}
			title = v
		}
	}
	return title, body
}

func wrapDocument(title string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\" />\n")
	if title != "" {
		fmt.Fprintf(&buf, "<title>%s</title>\n", html.EscapeString(title))
	}
	buf.WriteString("</head>\n<body>\n")
	buf.Write(body)
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes()
}
