package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Bundle は root 配下の files（相対パス）を zip にして w へ書き込みます。
func Bundle(w io.Writer, root string, files []string) error {
	zipWriter := zip.NewWriter(w)

	for _, rel := range files {
		if err := addToZip(zipWriter, root, rel); err != nil {
			zipWriter.Close()
			return err
		}
	}

	return zipWriter.Close()
}

func addToZip(zw *zip.Writer, root, rel string) error {
	file, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
	}
	return nil
}
