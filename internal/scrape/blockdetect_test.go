package scrape

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name   string
		resp   *http.Response
		body   string
		want BlockType
	}{
		{
			name: "cloudflare 403",
			resp: &http.Response{StatusCode: 403, Header: http.Header{"Cf-Ray": {"abc123"}}},
			want: BlockCloudflare,
		},
		{
			name: "cloudflare 503 server header",
			resp: &http.Response{StatusCode: 503, Header: http.Header{"Server": {"cloudflare"}}},
			want: BlockCloudflare,
		},
		{
			name: "captcha widget",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: `<div class="g-recaptcha" data-sitekey="x"></div>`,
			want: BlockCaptcha,
		},
		{
			name: "js shell",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: `<html><noscript>Enable JavaScript</noscript></html>`,
			want: BlockJSShell,
		},
		{
			name: "paywall",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: strings.Repeat("x", 3000) + `<div class="paywall-box">Assine</div>`,
			want: BlockPaywall,
		},
		{
			name: "clean page",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: "<html><body><p>Casos de SRAG</p></body></html>",
		},
		{
			name: "large page mentioning javascript is not a shell",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: "<noscript>javascript</noscript>" + strings.Repeat("<p>SRAG</p>", 300),
		},
		{name: "nil response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBlock(tt.resp, []byte(tt.body)))
		})
	}
}
