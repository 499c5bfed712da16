package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

// Request は1回の変換要求です。
type Request struct {
	InputPath string
	OutputDir string
	From      Format
	To        Format
	Progress  ProgressReporter
}

// Engine は入力ファイルを変換し、生成したファイルのパスを返します。
type Engine interface {
	Convert(ctx context.Context, req Request) ([]string, error)
}

// Router は入出力形式に応じてエンジンを選びます。
type Router struct {
	CLI  Engine // pandoc 等の汎用変換
	HTML Engine // markdown -> html
	OCR  Engine // 画像 / スキャンPDF -> markdown
}

// Convert は適切なエンジンへ振り分けます。
// OCR 結果を別形式にする場合は中間の markdown を削除します。
func (r *Router) Convert(ctx context.Context, req Request) ([]string, error) {
	if req.From == req.To {
		return copyThrough(req)
	}

	// pandoc は PDF を読めないため、PDF と画像は OCR 経由で markdown にする
	if req.From.IsImage() || req.From == FormatPDF {
		if r.OCR == nil {
			return nil, fmt.Errorf("no OCR engine configured for %s input", req.From)
		}
		ocrReq := req
		ocrReq.To = FormatMarkdown
		outputs, err := r.OCR.Convert(ctx, ocrReq)
		if err != nil {
			return nil, err
		}
		if req.To == FormatMarkdown {
			return outputs, nil
		}
		reportProgress(req.Progress, "reformat", 70)
		next := req
		next.InputPath = outputs[0]
		next.From = FormatMarkdown
		final, err := r.route(next)
		if err != nil {
			return nil, err
		}
		converted, err := final.Convert(ctx, next)
		if err != nil {
			return nil, err
		}
		_ = os.Remove(outputs[0])
		return converted, nil
	}

	engine, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return engine.Convert(ctx, req)
}

func (r *Router) route(req Request) (Engine, error) {
	if req.From == FormatMarkdown && req.To == FormatHTML && r.HTML != nil {
		return r.HTML, nil
	}
	if r.CLI == nil {
		return nil, fmt.Errorf("no engine for %s -> %s", req.From, req.To)
	}
	return r.CLI, nil
}

func copyThrough(req Request) ([]string, error) {
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	out := filepath.Join(req.OutputDir, filepath.Base(req.InputPath))
	if err := os.WriteFile(out, data, 0o640); err != nil {
		return nil, err
	}
	reportProgress(req.Progress, "completed", 100)
	return []string{out}, nil
}
