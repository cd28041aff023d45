package planner

import "strings"

const fence = "```"

// Sanitize strips markdown code-fence wrapping from generated text. When the
// text opens with a fence, that line is removed along with a trailing fence
// if present. Nested wrappers are peeled until none remain, so
// Sanitize(Sanitize(x)) == Sanitize(x). Text not opening with a fence is
// only trimmed.
func Sanitize(raw string) string {
	code := strings.TrimSpace(raw)
	for {
		next := unwrap(code)
		if next == code {
			return code
		}
		code = next
	}
}

func unwrap(code string) string {
	if !strings.HasPrefix(code, fence) {
		return code
	}
	if nl := strings.IndexByte(code, '\n'); nl != -1 {
		code = code[nl+1:]
	} else {
		code = code[len(fence):]
	}
	if strings.HasSuffix(code, fence) {
		code = code[:len(code)-len(fence)]
	}
	return strings.TrimSpace(code)
}
