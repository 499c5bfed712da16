package storage

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
)

func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["file"][0]
}

func TestSaveUpload(t *testing.T) {
	l := newLayout(t)
	up, err := l.SaveUpload(context.Background(), fileHeader(t, "notes.md", []byte("# hello\n")), "job-1", UploadLimits{})
	require.NoError(t, err)

	assert.Equal(t, "notes.md", up.Filename)
	assert.Equal(t, int64(8), up.Size)
	assert.True(t, strings.HasPrefix(up.MIME, "text/plain"), up.MIME)
	assert.Zero(t, up.Pages)
	data, err := os.ReadFile(up.Path)
	require.NoError(t, err)
	assert.Equal(t, "# hello\n", string(data))
}

func TestSaveUploadRejectsOversizedFile(t *testing.T) {
	l := newLayout(t)
	_, err := l.SaveUpload(context.Background(), fileHeader(t, "big.txt", make([]byte, 64)), "job-1", UploadLimits{MaxFileSize: 10})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
	assert.NoDirExists(t, l.InputDir("job-1"))
}

func TestSaveUploadRemovesDirsOnUnreadablePDF(t *testing.T) {
	l := newLayout(t)
	_, err := l.SaveUpload(context.Background(), fileHeader(t, "broken.pdf", []byte("%PDF-1.4\nnot really a pdf")), "job-1", UploadLimits{})
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "UNSUPPORTED_PDF", appErr.Code)
	assert.NoDirExists(t, l.InputDir("job-1"))
	assert.NoDirExists(t, l.JobOutputDir("job-1"))
}

func TestSaveUploadRequiresFile(t *testing.T) {
	l := newLayout(t)
	_, err := l.SaveUpload(context.Background(), nil, "job-1", UploadLimits{})
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.docx":          "report.docx",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\scan.png`: "scan.png",
		"  spaced.md ":         "spaced.md",
		"..":                   "",
		"/":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}
