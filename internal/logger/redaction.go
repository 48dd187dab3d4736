package logger

import (
	"io"
	"regexp"
)

// redaction rules are keyed to the secrets this daemon actually handles:
// backend API keys, the gateway shared secret and its HMAC signatures, and
// generic credential-looking fields. Field-name rules keep the key visible
// and blank only the value.
type redactionRule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs secrets from log lines before they reach any writer.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor with the daemon's default rule set.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			// Anthropic keys first: the generic sk- rule would otherwise
			// truncate them at the prefix.
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`), "[REDACTED]"},
			// OpenAI-style keys.
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{16,}`), "[REDACTED]"},
			// Bearer tokens on forwarded headers.
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), "Bearer [REDACTED]"},
			// Gateway auth material: shared secret, challenge signatures.
			{regexp.MustCompile(`(shared_secret|sharedSecret|signature)(["\s:=]+)[a-fA-F0-9+/=_-]{8,}`), "$1$2[REDACTED]"},
			// API-key fields from config dumps or env echoes.
			{regexp.MustCompile(`(api_key|apikey|API_KEY)(["\s:=]+)[^\s",}]+`), "$1$2[REDACTED]"},
			// Generic credential fields.
			{regexp.MustCompile(`(password|passwd|token|secret)(["\s:=]+)[^\s",}]+`), "$1$2[REDACTED]"},
			// AWS access key ids.
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED]"},
		},
	}
}

// AddRule adds a custom rule; the replacement may use capture groups.
func (r *Redactor) AddRule(pattern, repl string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{re: re, repl: repl})
	return nil
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it through.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length: redaction may shrink the line, and a short
	// write would make zerolog treat the entry as failed.
	return len(p), nil
}
