package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys are attribute keys whose values are always masked.
var sensitiveKeys = map[string]bool{
	// Control port authentication
	"cookie":                  true,
	"control_cookie":          true,
	"controlcookie":           true,
	"password":                true,
	"control_password":        true,
	"controlpassword":         true,
	"hashed_password":         true,
	"hashedpassword":          true,
	"hashedcontrolpassword":   true,
	"hashed_control_password": true,
	"auth":                    true,
	"authentication":          true,

	// Proxy and HTTP credentials
	"authorization":       true,
	"proxy-authorization": true,
	"set-cookie":          true,
	"secret":              true,
	"token":               true,
}

// sensitiveKeywords mask any key that contains them. "cookie" and "auth" are
// matched exactly instead, so keys like cookiePath and author stay readable.
var sensitiveKeywords = []string{"password", "passwd", "secret", "token", "credential"}

// sensitivePatterns mask a string value regardless of its key.
var sensitivePatterns = []*regexp.Regexp{
	// Control cookie: 32 bytes, hex encoded
	regexp.MustCompile(`^[0-9A-Fa-f]{64}$`),

	// Tor HashedControlPassword: "16:" + salt, indicator and digest
	regexp.MustCompile(`^16:[0-9A-Fa-f]{58}$`),

	// Bearer and basic credentials
	regexp.MustCompile(`(?i)^(bearer|basic)\s+.+`),
}

// authenticateCommand matches the argument of a control AUTHENTICATE line.
var authenticateCommand = regexp.MustCompile(`(?i)(AUTHENTICATE)\s+\S.*`)

// proxyCredentials matches the password part of a socks5/socks5h/http URL.
var proxyCredentials = regexp.MustCompile(`((?:socks5h?|https?)://[^:/@\s]+:)[^@\s]*@`)

// MaskValue is the string used to replace sensitive values.
const MaskValue = "***REDACTED***"

// SecureHandler wraps an slog.Handler and masks credentials before records
// reach it: control cookies, control passwords and their hashes,
// AUTHENTICATE payloads, and proxy URL passwords.
type SecureHandler struct {
	handler slog.Handler
}

// NewSecureHandler creates a new SecureHandler wrapping the given handler.
// If handler is nil, the returned SecureHandler will use slog.Default().Handler().
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled reports whether the handler handles records at the given level.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle sanitizes the record's message and attributes and passes the record on.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, sanitizeString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, sanitized)
}

// WithAttrs returns a new handler with the given attributes added.
// Attributes are sanitized before being added.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitizedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitizedAttrs[i] = sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(sanitizedAttrs)}
}

// WithGroup returns a new handler with the given group name.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

// sanitizeAttr sanitizes a single attribute, recursively handling groups.
func sanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitizedAttrs := make([]slog.Attr, len(attrs))
		for i, groupAttr := range attrs {
			sanitizedAttrs[i] = sanitizeAttr(groupAttr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitizedAttrs...)}
	}

	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskValue)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if isSensitiveValue(s) {
			return slog.String(a.Key, MaskValue)
		}
		if clean := sanitizeString(s); clean != s {
			return slog.String(a.Key, clean)
		}
	case slog.KindAny:
		// Errors and Stringers (such as *url.URL) may embed credentials.
		var text string
		switch v := a.Value.Any().(type) {
		case error:
			text = v.Error()
		case interface{ String() string }:
			text = v.String()
		default:
			return a
		}
		if clean := sanitizeString(text); clean != text {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if sensitiveKeys[key] {
		return true
	}
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}

func isSensitiveValue(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// sanitizeString masks AUTHENTICATE arguments and proxy URL passwords
// embedded in free text.
func sanitizeString(s string) string {
	if !strings.Contains(s, "://") && !strings.Contains(strings.ToUpper(s), "AUTHENTICATE") {
		return s
	}
	s = proxyCredentials.ReplaceAllString(s, "${1}***@")
	return authenticateCommand.ReplaceAllString(s, "${1} "+MaskValue)
}

func level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// NewLogger returns a text logger writing to w through a SecureHandler.
// verbose selects Debug instead of Warn.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewSecureHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level(verbose)})))
}

// NewJSONLogger is NewLogger with JSON output.
func NewJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewSecureHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level(verbose)})))
}
