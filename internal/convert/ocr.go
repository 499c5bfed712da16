package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
)

// TextExtractor は画像からテキストを抽出する外部エンジンです。
type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Tesseract は tesseract CLI を標準入出力で呼び出します。
type Tesseract struct {
	Path     string
	Language string
}

func (t *Tesseract) ExtractText(ctx context.Context, image []byte) (string, error) {
	path := t.Path
	if path == "" {
		path = "tesseract"
	}
	args := []string{"stdin", "stdout"}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// OCR は画像またはスキャンPDFを markdown に変換するエンジンです。
// PDF は pdfcpu でページ画像を取り出してから1枚ずつ抽出します。
type OCR struct {
	Extractor TextExtractor
	Logger    *zap.Logger
}

const ocrPageSeparator = "\n\n---\n\n"

func (o *OCR) Convert(ctx context.Context, req Request) ([]string, error) {
	if o.Extractor == nil {
		return nil, fmt.Errorf("OCR extractor is not configured")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}

	images := []string{req.InputPath}
	if req.From == FormatPDF {
		scratch, err := os.MkdirTemp(req.OutputDir, ".pages-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(scratch)

		reportProgress(req.Progress, "load", 10)
		if err := pdfapi.ExtractImagesFile(req.InputPath, scratch, nil, nil); err != nil {
			return nil, fmt.Errorf("failed to extract page images: %w", err)
		}
		images, err = listPageImages(scratch)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			return nil, fmt.Errorf("no page images found in %s", filepath.Base(req.InputPath))
		}
	}

	pages := make([]string, 0, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(img)
		if err != nil {
			return nil, err
		}
		text, err := o.Extractor.ExtractText(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pages = append(pages, text)
		reportProgress(req.Progress, "process", 20+(50*(i+1))/len(images))
	}

	outputPath := filepath.Join(req.OutputDir, OutputName(req.InputPath, FormatMarkdown))
	if err := os.WriteFile(outputPath, []byte(strings.Join(pages, ocrPageSeparator)+"\n"), 0o640); err != nil {
		return nil, err
	}
	if o.Logger != nil {
		o.Logger.Debug("ocr finished", zap.Int("pages", len(pages)), zap.String("output", outputPath))
	}
	return []string{outputPath}, nil
}

var pageImagePattern = regexp.MustCompile(`_(\d+)_(\d+)\.[A-Za-z0-9]+$`)

// listPageImages は pdfcpu の出力名 <name>_<page>_<obj>.<ext> をページ順に並べます。
func listPageImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type pageImage struct {
		path      string
		page, obj int
	}
	var found []pageImage
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pi := pageImage{path: filepath.Join(dir, e.Name())}
		if m := pageImagePattern.FindStringSubmatch(e.Name()); m != nil {
			pi.page, _ = strconv.Atoi(m[1])
			pi.obj, _ = strconv.Atoi(m[2])
		}
		found = append(found, pi)
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].page != found[j].page {
			return found[i].page < found[j].page
		}
		return found[i].obj < found[j].obj
	})
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}
