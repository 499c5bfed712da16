package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
)

const (
	pageDelimiter = "\n\n---\n\n"
	imagesDir     = "images"
)

// orderedPage は追記順の位置を保持したページです。
type orderedPage struct {
	Page
	index int
}

func (p orderedPage) hint() int {
	if p.PageHint != nil {
		return *p.PageHint
	}
	return p.index
}

// sortPages は page_hint の昇順に安定ソートします。
// page_hint のないページは追記順の位置を使います。
func sortPages(pages []Page) []orderedPage {
	ordered := make([]orderedPage, len(pages))
	for i, p := range pages {
		ordered[i] = orderedPage{Page: p, index: i}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].hint() < ordered[j].hint()
	})
	return ordered
}

// persistImages はページの画像をデコードして <outDir>/images に保存し、
// ページごとの相対パスを返します。
func persistImages(ctx context.Context, outDir string, pages []orderedPage) ([][]string, error) {
	paths := make([][]string, len(pages))
	total := 0
	for i, p := range pages {
		paths[i] = make([]string, len(p.Images))
		total += len(p.Images)
	}
	if total == 0 {
		return paths, nil
	}
	dir := filepath.Join(outDir, imagesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range pages {
		for j, img := range p.Images {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				data, err := decodeImage(img.Data)
				if err != nil {
					return fmt.Errorf("page %d image %d: %w", i+1, j+1, err)
				}
				ext := mimetype.Detect(data).Extension()
				if ext == "" {
					ext = ".bin"
				}
				name := fmt.Sprintf("page%03d_%02d%s", i+1, j+1, ext)
				if err := os.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
					return err
				}
				paths[i][j] = imagesDir + "/" + name
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

var dataURIPrefix = regexp.MustCompile(`^data:[^,]*;base64,`)

// decodeImage は data URI または素の base64 をデコードします。
func decodeImage(data string) ([]byte, error) {
	raw := strings.TrimSpace(dataURIPrefix.ReplaceAllString(strings.TrimSpace(data), ""))
	if raw == "" {
		return nil, fmt.Errorf("empty image data")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("image data is not valid base64")
}

// renderDocument はフロントマターと区切り線付きでページを連結します。
// ocr にページの抽出結果があれば本文として使います。
func renderDocument(title, source string, pages []orderedPage, ocr map[int]string, images [][]string) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", title)
	if source != "" {
		fmt.Fprintf(&b, "source: %q\n", source)
	}
	fmt.Fprintf(&b, "page_count: %d\n", len(pages))
	b.WriteString("---\n\n")

	bodies := make([]string, 0, len(pages))
	for i, p := range pages {
		var paths []string
		if i < len(images) {
			paths = images[i]
		}
		bodies = append(bodies, renderPage(p, ocr[p.index], paths))
	}
	b.WriteString(strings.Join(bodies, pageDelimiter))
	b.WriteString("\n")
	return b.String()
}

func renderPage(p orderedPage, ocrText string, imagePaths []string) string {
	text := strings.TrimSpace(p.Text)
	if strings.TrimSpace(ocrText) != "" {
		text = strings.TrimSpace(ocrText)
	}
	for j, rel := range imagePaths {
		if rel == "" {
			continue
		}
		if name := p.Images[j].Name; name != "" {
			if rewritten, ok := rewriteImageRef(text, name, rel); ok {
				text = rewritten
				continue
			}
		}
		if text != "" {
			text += "\n\n"
		}
		text += "![](" + rel + ")"
	}

	var b strings.Builder
	if title := strings.TrimSpace(p.Title); title != "" {
		b.WriteString("## " + title + "\n\n")
	}
	b.WriteString(text)
	return strings.TrimSpace(b.String())
}

// rewriteImageRef は markdown の ](name) と HTML の src 属性にある name だけを rel に置き換えます。
func rewriteImageRef(text, name, rel string) (string, bool) {
	found := false
	for _, form := range [][2]string{
		{"](", ")"},
		{"](", " "},
		{`src="`, `"`},
		{`src='`, `'`},
	} {
		ref := form[0] + name + form[1]
		if strings.Contains(text, ref) {
			text = strings.ReplaceAll(text, ref, form[0]+rel+form[1])
			found = true
		}
	}
	return text, found
}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// documentName はタイトルから出力ファイル名を作ります。
func documentName(title string, format convert.Format) string {
	stem := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(title), "_"), "._-")
	if stem == "" {
		stem = "capture"
	}
	if r := []rune(stem); len(r) > 80 {
		stem = string(r[:80])
	}
	return stem + "." + format.Extension()
}
