package storage

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
)

// UploadLimits はアップロード時の上限です。0 は無制限です。
type UploadLimits struct {
	MaxFileSize int64
	MaxPDFPages int
}

// Upload は保存済みの入力ファイルです。
type Upload struct {
	Filename string
	Path     string
	Size     int64
	MIME     string
	Pages    int // PDF 以外は 0
}

// SaveUpload はマルチパートのファイルをジョブの入力ディレクトリに保存します。
// 失敗した場合は作成したディレクトリを削除します。
func (l *Layout) SaveUpload(ctx context.Context, fh *multipart.FileHeader, jobID string, limits UploadLimits) (_ *Upload, err error) {
	if fh == nil {
		return nil, apperr.Invalid("INVALID_INPUT", "file is required")
	}
	name := sanitizeFilename(fh.Filename)
	if name == "" {
		return nil, apperr.Invalid("INVALID_INPUT", "file name is empty")
	}
	if limits.MaxFileSize > 0 && fh.Size > limits.MaxFileSize {
		return nil, apperr.Unprocessable("LIMIT_EXCEEDED",
			fmt.Sprintf("file exceeds the maximum size of %d bytes", limits.MaxFileSize))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := l.Ensure(jobID); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = l.Remove(jobID)
		}
	}()

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst := filepath.Join(l.InputDir(jobID), name)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create input file: %w", err)
	}
	written, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	mtype, err := mimetype.DetectFile(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}

	upload := &Upload{
		Filename: name,
		Path:     dst,
		Size:     written,
		MIME:     mtype.String(),
	}

	if mtype.Is("application/pdf") {
		pages, err := pdfapi.PageCountFile(dst)
		if err != nil {
			return nil, apperr.Unprocessable("UNSUPPORTED_PDF", "the PDF could not be read")
		}
		if limits.MaxPDFPages > 0 && pages > limits.MaxPDFPages {
			return nil, apperr.Unprocessable("LIMIT_EXCEEDED",
				fmt.Sprintf("PDF has %d pages; the maximum is %d", pages, limits.MaxPDFPages))
		}
		upload.Pages = pages
	}

	return upload, nil
}

// sanitizeFilename はパス要素を取り除いたファイル名を返します。
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
