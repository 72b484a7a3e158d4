package resilience

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockAkamai     BlockType = "akamai"
	BlockJSShell    BlockType = "js_shell"
)

// DetectChallenge checks a response status, headers and body for signs of
// an anti-bot challenge. Any hit should be classified as rate limited.
func DetectChallenge(statusCode int, header http.Header, body []byte) (bool, BlockType) {
	if statusCode == 403 || statusCode == 503 {
		if header.Get("cf-ray") != "" || header.Get("cf-mitigated") != "" ||
			strings.EqualFold(header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
		if strings.Contains(strings.ToLower(header.Get("server")), "akamai") {
			return true, BlockAkamai
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "perimeterx") ||
		strings.Contains(lower, "px-captcha") {
		return true, BlockCaptcha
	}

	if strings.Contains(lower, "access denied") && strings.Contains(lower, "reference #") {
		return true, BlockAkamai
	}

	// JS-only shell: tiny body that only asks for scripts.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
