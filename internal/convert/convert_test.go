package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormats(t *testing.T) {
	f, ok := ParseFormat(" MD ")
	assert.True(t, ok)
	assert.Equal(t, FormatMarkdown, f)

	_, ok = ParseOutputFormat("png")
	assert.False(t, ok, "images are input-only")

	f, ok = FormatFromFilename("scan.JPG")
	assert.True(t, ok)
	assert.Equal(t, FormatJPEG, f)

	_, ok = FormatFromFilename("README")
	assert.False(t, ok)

	assert.Equal(t, FormatMarkdown, CaptureFormat("unknown"))
	assert.Equal(t, FormatDOCX, CaptureFormat("docx"))
	assert.Equal(t, "report.md", OutputName("/tmp/in/report.docx", FormatMarkdown))
}

type recordingEngine struct {
	requests []Request
	output   string
	err      error
}

func (e *recordingEngine) Convert(_ context.Context, req Request) ([]string, error) {
	e.requests = append(e.requests, req)
	if e.err != nil {
		return nil, e.err
	}
	out := filepath.Join(req.OutputDir, OutputName(req.InputPath, req.To))
	if err := os.WriteFile(out, []byte(e.output), 0o640); err != nil {
		return nil, err
	}
	return []string{out}, nil
}

func TestRouterUsesNativeHTMLEngine(t *testing.T) {
	cli := &recordingEngine{}
	html := &recordingEngine{}
	r := &Router{CLI: cli, HTML: html}
	dir := t.TempDir()

	_, err := r.Convert(context.Background(), Request{InputPath: filepath.Join(dir, "a.md"), OutputDir: dir, From: FormatMarkdown, To: FormatHTML})
	require.NoError(t, err)
	assert.Len(t, html.requests, 1)
	assert.Empty(t, cli.requests)

	_, err = r.Convert(context.Background(), Request{InputPath: filepath.Join(dir, "a.md"), OutputDir: dir, From: FormatMarkdown, To: FormatDOCX})
	require.NoError(t, err)
	assert.Len(t, cli.requests, 1)
}

func TestRouterChainsOCRAndReformat(t *testing.T) {
	dir := t.TempDir()
	ocr := &recordingEngine{output: "# text"}
	cli := &recordingEngine{output: "docx"}
	r := &Router{CLI: cli, OCR: ocr}

	outputs, err := r.Convert(context.Background(), Request{
		InputPath: filepath.Join(dir, "scan.png"),
		OutputDir: dir,
		From:      FormatPNG,
		To:        FormatDOCX,
	})
	require.NoError(t, err)
	require.Len(t, ocr.requests, 1)
	assert.Equal(t, FormatMarkdown, ocr.requests[0].To)
	require.Len(t, cli.requests, 1)
	assert.Equal(t, FormatMarkdown, cli.requests[0].From)
	assert.Equal(t, []string{filepath.Join(dir, "scan.docx")}, outputs)
	assert.NoFileExists(t, filepath.Join(dir, "scan.md"), "intermediate markdown is removed")
}

func TestRouterWithoutOCREngine(t *testing.T) {
	r := &Router{CLI: &recordingEngine{}}
	_, err := r.Convert(context.Background(), Request{From: FormatPDF, To: FormatMarkdown})
	assert.ErrorContains(t, err, "no OCR engine")
}

func TestRouterCopiesSameFormat(t *testing.T) {
	in := filepath.Join(t.TempDir(), "a.md")
	require.NoError(t, os.WriteFile(in, []byte("same"), 0o640))
	out := t.TempDir()

	outputs, err := (&Router{}).Convert(context.Background(), Request{InputPath: in, OutputDir: out, From: FormatMarkdown, To: FormatMarkdown})
	require.NoError(t, err)
	data, err := os.ReadFile(outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "same", string(data))
}

func TestMarkdownHTML(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(in, []byte("---\ntitle: \"A <Doc>\"\npage_count: 1\n---\n\n# Hello\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"), 0o640))

	var stages []string
	outputs, err := MarkdownHTML{}.Convert(context.Background(), Request{
		InputPath: in, OutputDir: dir, From: FormatMarkdown, To: FormatHTML,
		Progress: func(stage string, _ int) { stages = append(stages, stage) },
	})
	require.NoError(t, err)
	data, err := os.ReadFile(outputs[0])
	require.NoError(t, err)
	html := string(data)

	assert.Contains(t, html, "<title>A &lt;Doc&gt;</title>")
	assert.Contains(t, html, "<h1>Hello</h1>")
	assert.Contains(t, html, "<table>")
	assert.NotContains(t, html, "page_count")
	assert.Equal(t, []string{"process", "write"}, stages)

	_, err = MarkdownHTML{}.Convert(context.Background(), Request{From: FormatHTML, To: FormatMarkdown})
	assert.Error(t, err)
}

func TestSplitFrontMatterWithoutHeader(t *testing.T) {
	title, body := splitFrontMatter("# plain\n")
	assert.Empty(t, title)
	assert.Equal(t, "# plain\n", body)
}

func TestHTMLToMarkdown(t *testing.T) {
	md, err := HTMLToMarkdown(`<h2>Intro</h2><p>some <strong>bold</strong> text</p>`, "https://example.com/page")
	require.NoError(t, err)
	assert.Contains(t, md, "Intro")
	assert.Contains(t, md, "some **bold** text")
	assert.NotContains(t, md, "<p>")
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("https://example.com/a/b"))
	assert.Equal(t, "example.com:8080", domainOf("http://example.com:8080"))
	assert.Empty(t, domainOf("file:///tmp/x.html"))
}

func TestPandocArgs(t *testing.T) {
	args := pandocArgs("/in/a.md", "/out/a.pdf", "gfm", FormatPDF)
	assert.Equal(t, []string{"-f", "gfm", "--resource-path", "/in", "--standalone", "-o", "/out/a.pdf", "/in/a.md"}, args)

	args = pandocArgs("/in/a.docx", "/out/a.txt", "docx", FormatText)
	assert.Equal(t, []string{"-t", "plain"}, args[2:4])
}

type fakeExtractor struct {
	texts []string
	err   error
}

func (e *fakeExtractor) ExtractText(context.Context, []byte) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	text := e.texts[0]
	e.texts = e.texts[1:]
	return text, nil
}

func TestOCRImage(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(in, []byte("img"), 0o640))

	o := &OCR{Extractor: &fakeExtractor{texts: []string{"scanned words"}}}
	outputs, err := o.Convert(context.Background(), Request{InputPath: in, OutputDir: dir, From: FormatPNG, To: FormatMarkdown})
	require.NoError(t, err)
	data, err := os.ReadFile(outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "scanned words\n", string(data))

	o = &OCR{Extractor: &fakeExtractor{err: errors.New("no tesseract")}}
	_, err = o.Convert(context.Background(), Request{InputPath: in, OutputDir: dir, From: FormatPNG, To: FormatMarkdown})
	assert.ErrorContains(t, err, "page 1")
}

func TestListPageImagesOrdersByPage(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"doc_10_1.png", "doc_2_5.jpg", "doc_2_1.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o640))
	}
	images, err := listPageImages(dir)
	require.NoError(t, err)

	var names []string
	for _, p := range images {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, "doc_2_1.png,doc_2_5.jpg,doc_10_1.png", strings.Join(names, ","))
}
