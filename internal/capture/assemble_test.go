package capture

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
)

func TestSortPagesFallsBackToAppendIndex(t *testing.T) {
	pages := []Page{
		{Text: "a", PageHint: hint(5)},
		{Text: "b"},
		{Text: "c", PageHint: hint(0)},
		{Text: "d", PageHint: hint(5)},
	}
	ordered := sortPages(pages)

	var got []string
	for _, p := range ordered {
		got = append(got, p.Text)
	}
	// b は位置 1 を使い、同じヒントの a と d は追記順を保つ
	assert.Equal(t, []string{"c", "b", "a", "d"}, got)
}

func TestRenderPageRewritesNamedImages(t *testing.T) {
	p := orderedPage{Page: Page{
		Title:  "Figures",
		Text:   "see ![fig](fig1.png) above",
		Images: []Image{{Name: "fig1.png", Data: "x"}, {Data: "y"}},
	}}
	out := renderPage(p, "", []string{"images/page001_01.png", "images/page001_02.png"})

	assert.Equal(t, "## Figures\n\nsee ![fig](images/page001_01.png) above\n\n![](images/page001_02.png)", out)
}

func TestRenderPageRewritesOnlyImageReferences(t *testing.T) {
	p := orderedPage{Page: Page{
		Text:   `a cat sat on a mat ![x](a) <img src="a"> [link](a.html)`,
		Images: []Image{{Name: "a", Data: "x"}},
	}}
	out := renderPage(p, "", []string{"images/page001_01.png"})

	assert.Equal(t, `a cat sat on a mat ![x](images/page001_01.png) <img src="images/page001_01.png"> [link](a.html)`, out)
}

func TestRenderPageAppendsUnreferencedNamedImage(t *testing.T) {
	p := orderedPage{Page: Page{
		Text:   "mentions a.png in prose only",
		Images: []Image{{Name: "a.png", Data: "x"}},
	}}
	out := renderPage(p, "", []string{"images/page001_01.png"})

	assert.Equal(t, "mentions a.png in prose only\n\n![](images/page001_01.png)", out)
}

func TestRenderPagePrefersOCRText(t *testing.T) {
	p := orderedPage{Page: Page{Text: "noisy"}}
	assert.Equal(t, "clean", renderPage(p, "clean", nil))
	assert.Equal(t, "noisy", renderPage(p, "  ", nil))
}

func TestDecodeImage(t *testing.T) {
	want := []byte("hello image")
	for _, in := range []string{
		base64.StdEncoding.EncodeToString(want),
		base64.RawStdEncoding.EncodeToString(want),
		"data:image/png;base64," + base64.StdEncoding.EncodeToString(want),
	} {
		got, err := decodeImage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := decodeImage("")
	assert.Error(t, err)
	_, err = decodeImage("***")
	assert.Error(t, err)
}

func TestImageAcceptsStringOrObject(t *testing.T) {
	var page Page
	require.NoError(t, json.Unmarshal([]byte(`{"text":"t","images":["abc",{"name":"n.png","data":"def"}],"page_hint":2}`), &page))
	require.Len(t, page.Images, 2)
	assert.Equal(t, Image{Data: "abc"}, page.Images[0])
	assert.Equal(t, Image{Name: "n.png", Data: "def"}, page.Images[1])
	require.NotNil(t, page.PageHint)
	assert.Equal(t, 2, *page.PageHint)
}

func TestDocumentName(t *testing.T) {
	assert.Equal(t, "Chapter_1_Intro.md", documentName("Chapter 1: Intro", convert.FormatMarkdown))
	assert.Equal(t, "capture.html", documentName("???", convert.FormatHTML))
	assert.Equal(t, "日本語の本.docx", documentName("日本語の本", convert.FormatDOCX))
}

func TestSessionIDFromPagesKey(t *testing.T) {
	id, ok := SessionIDFromPagesKey("capture:session:abc:pages")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = SessionIDFromPagesKey("capture:session:abc")
	assert.False(t, ok)
	_, ok = SessionIDFromPagesKey("job:abc:pages")
	assert.False(t, ok)
}
