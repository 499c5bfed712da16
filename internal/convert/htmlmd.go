package convert

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// HTMLToMarkdown はキャプチャされた HTML 断片を markdown にします。
// sourceURL は相対リンクの解決に使います。
func HTMLToMarkdown(fragment, sourceURL string) (string, error) {
	converter := md.NewConverter(domainOf(sourceURL), true, nil)
	out, err := converter.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func domainOf(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(rawURL, "http://")
	}
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
