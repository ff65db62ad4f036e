package processor

import "regexp"

// Error text can echo fragments of processor configuration or environment.
// Scrub removes obvious credential material before the text reaches logs,
// run history, or the status API.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization|bearer)(["'\s:=]+)(bearer\s+)?[^\s"']+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

func Scrub(s string) string {
	for i, re := range redactPatterns {
		if i == 0 {
			s = re.ReplaceAllString(s, `$1$2[REDACTED]`)
			continue
		}
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
