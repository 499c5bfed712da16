// Package convert は外部の変換エンジンを呼び出すための薄いラッパーです。
package convert

import (
	"path/filepath"
	"strings"
)

// Format は入出力の文書形式です。
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatEPUB     Format = "epub"
	FormatText     Format = "txt"
	FormatPNG      Format = "png"
	FormatJPEG     Format = "jpeg"
	FormatTIFF     Format = "tiff"

	// FormatCapture はキャプチャセッション由来のジョブの入力形式です。
	FormatCapture Format = "capture"
)

var aliases = map[string]Format{
	"markdown": FormatMarkdown,
	"md":       FormatMarkdown,
	"gfm":      FormatMarkdown,
	"html":     FormatHTML,
	"htm":      FormatHTML,
	"pdf":      FormatPDF,
	"docx":     FormatDOCX,
	"epub":     FormatEPUB,
	"txt":      FormatText,
	"text":     FormatText,
	"plain":    FormatText,
	"png":      FormatPNG,
	"jpg":      FormatJPEG,
	"jpeg":     FormatJPEG,
	"tif":      FormatTIFF,
	"tiff":     FormatTIFF,
}

// outputFormats は変換先として受け付ける形式です。
var outputFormats = map[Format]string{
	FormatMarkdown: "md",
	FormatHTML:     "html",
	FormatPDF:      "pdf",
	FormatDOCX:     "docx",
	FormatEPUB:     "epub",
	FormatText:     "txt",
}

// ParseFormat は表記ゆれを吸収して Format を返します。
func ParseFormat(s string) (Format, bool) {
	f, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	return f, ok
}

// ParseOutputFormat は変換先として有効な形式のみ受け付けます。
func ParseOutputFormat(s string) (Format, bool) {
	f, ok := ParseFormat(s)
	if !ok {
		return "", false
	}
	_, ok = outputFormats[f]
	return f, ok
}

// CaptureFormat はキャプチャセッションの変換先を決めます。
// 未知の値はエラーにせず markdown にフォールバックします。
func CaptureFormat(s string) Format {
	if f, ok := ParseOutputFormat(s); ok {
		return f
	}
	return FormatMarkdown
}

// FormatFromFilename は拡張子から入力形式を推定します。
func FormatFromFilename(name string) (Format, bool) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "", false
	}
	return ParseFormat(ext)
}

// Extension は出力ファイルの拡張子（ドットなし）です。
func (f Format) Extension() string {
	if ext, ok := outputFormats[f]; ok {
		return ext
	}
	return string(f)
}

// IsImage は OCR が必要な画像形式かどうかを返します。
func (f Format) IsImage() bool {
	return f == FormatPNG || f == FormatJPEG || f == FormatTIFF
}

// OutputName は入力ファイル名から出力ファイル名を作ります。
func OutputName(inputPath string, to Format) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "output"
	}
	return stem + "." + to.Extension()
}
