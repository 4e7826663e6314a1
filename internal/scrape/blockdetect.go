package scrape

import (
	"bytes"
	"net/http"
)

// BlockType names why a page cannot be read as an article.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockPaywall    BlockType = "paywall"
)

// shellBodyLimit is the size under which a page may be a script-only shell.
const shellBodyLimit = 2000

type blockMarker struct {
	block BlockType
	// all must appear in the lowercased body.
	all []string
	// shellOnly restricts the marker to bodies below shellBodyLimit.
	shellOnly bool
}

// blockMarkers are checked in order; the first match wins.
var blockMarkers = []blockMarker{
	{block: BlockCloudflare, all: []string{"checking your browser"}},
	{block: BlockCloudflare, all: []string{"cf-browser-verification"}},
	{block: BlockCaptcha, all: []string{"g-recaptcha"}},
	{block: BlockCaptcha, all: []string{"h-captcha"}},
	{block: BlockJSShell, all: []string{"<noscript", "javascript"}, shellOnly: true},
	{block: BlockJSShell, all: []string{`meta http-equiv="refresh"`}, shellOnly: true},
	{block: BlockPaywall, all: []string{`class="paywall`}},
	{block: BlockPaywall, all: []string{"conteúdo exclusivo para assinantes"}},
}

// DetectBlock reports the anti-bot wall or subscriber paywall a response
// is showing instead of an article, or BlockNone.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp == nil {
		return BlockNone
	}
	if isCloudflareRejection(resp) {
		return BlockCloudflare
	}

	lower := bytes.ToLower(body)
	for _, m := range blockMarkers {
		if m.shellOnly && len(body) >= shellBodyLimit {
			continue
		}
		if containsAll(lower, m.all) {
			return m.block
		}
	}
	return BlockNone
}

func isCloudflareRejection(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	return resp.Header.Get("cf-ray") != "" || resp.Header.Get("server") == "cloudflare"
}

func containsAll(body []byte, subs []string) bool {
	for _, s := range subs {
		if !bytes.Contains(body, []byte(s)) {
			return false
		}
	}
	return true
}
