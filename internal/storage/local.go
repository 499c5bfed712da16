// Package storage はジョブごとの入力/出力ディレクトリを管理するローカルストレージ層です。
//
// 配置:
//   - 入力: <UploadDir>/<jobID>/<filename>
//   - 出力: <OutputDir>/<jobID>/...
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Layout はアップロード領域と出力領域のルートを保持します。
type Layout struct {
	UploadDir string
	OutputDir string
}

// NewLayout は Layout を作成します。
func NewLayout(uploadDir, outputDir string) *Layout {
	return &Layout{UploadDir: uploadDir, OutputDir: outputDir}
}

// InputDir はジョブの入力ディレクトリです。
func (l *Layout) InputDir(jobID string) string {
	return filepath.Join(l.UploadDir, jobID)
}

// JobOutputDir はジョブの出力ディレクトリです。
func (l *Layout) JobOutputDir(jobID string) string {
	return filepath.Join(l.OutputDir, jobID)
}

// Ensure は入力/出力ディレクトリを作成します。
func (l *Layout) Ensure(jobID string) error {
	for _, dir := range []string{l.InputDir(jobID), l.JobOutputDir(jobID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Remove はジョブの入力/出力ディレクトリを両方削除します。
func (l *Layout) Remove(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	return errors.Join(
		os.RemoveAll(l.InputDir(jobID)),
		os.RemoveAll(l.JobOutputDir(jobID)),
	)
}

// ListJobDirs は両ルート直下のディレクトリ名の和集合を返します。
// ルートが存在しない場合は空として扱います。
func (l *Layout) ListJobDirs() ([]string, error) {
	seen := make(map[string]struct{})
	for _, root := range []string{l.UploadDir, l.OutputDir} {
		entries, err := os.ReadDir(root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// JobSize は入力と出力のファイルサイズ合計です。
func (l *Layout) JobSize(jobID string) (int64, error) {
	var total int64
	for _, dir := range []string{l.InputDir(jobID), l.JobOutputDir(jobID)} {
		size, err := DirSize(dir)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// ModTime は存在するジョブディレクトリのうち最も新しい更新時刻を返します。
func (l *Layout) ModTime(jobID string) (time.Time, error) {
	var latest time.Time
	found := false
	for _, dir := range []string{l.InputDir(jobID), l.JobOutputDir(jobID)} {
		info, err := os.Stat(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return time.Time{}, err
		}
		found = true
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	if !found {
		return time.Time{}, fs.ErrNotExist
	}
	return latest, nil
}

// Outputs は出力ディレクトリ内のファイルを相対パスで返します。
func (l *Layout) Outputs(jobID string) ([]string, error) {
	root := l.JobOutputDir(jobID)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// DirSize はディレクトリ配下のファイルサイズ合計です。存在しなければ 0 です。
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// CountFiles はディレクトリ配下のファイル数です。
func CountFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}

// CopyFile は src を dst にコピーします。親ディレクトリは作成します。
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
