package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Pandoc は pandoc CLI を呼び出す汎用変換エンジンです。
type Pandoc struct {
	Path   string
	Logger *zap.Logger
}

var pandocReaders = map[Format]string{
	FormatMarkdown: "gfm",
	FormatHTML:     "html",
	FormatDOCX:     "docx",
	FormatEPUB:     "epub",
}

func (p *Pandoc) Convert(ctx context.Context, req Request) ([]string, error) {
	reader, ok := pandocReaders[req.From]
	if !ok {
		return nil, fmt.Errorf("pandoc cannot read %s input", req.From)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	outputPath := filepath.Join(req.OutputDir, OutputName(req.InputPath, req.To))

	reportProgress(req.Progress, "process", 30)

	cmd := exec.CommandContext(ctx, p.binary(), pandocArgs(req.InputPath, outputPath, reader, req.To)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pandoc %s -> %s failed: %s: %w", req.From, req.To, strings.TrimSpace(stderr.String()), err)
	}
	if p.Logger != nil {
		p.Logger.Debug("pandoc finished", zap.String("output", outputPath))
	}

	reportProgress(req.Progress, "write", 90)
	return []string{outputPath}, nil
}

func (p *Pandoc) binary() string {
	if p.Path == "" {
		return "pandoc"
	}
	return p.Path
}

func pandocArgs(inputPath, outputPath, reader string, to Format) []string {
	args := []string{"-f", reader}
	switch to {
	case FormatPDF:
		// PDF は出力ファイルの拡張子から pdf-engine 経由で生成される
	case FormatMarkdown:
		args = append(args, "-t", "gfm")
	case FormatText:
		args = append(args, "-t", "plain")
	default:
		args = append(args, "-t", string(to))
	}
	// 相対パスの画像は入力ファイルの場所から解決する
	args = append(args, "--resource-path", filepath.Dir(inputPath))
	args = append(args, "--standalone", "-o", outputPath, inputPath)
	return args
}
