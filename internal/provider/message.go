package provider

import (
	"encoding/json"
	"strings"
)

// maxMessageLen caps the sanitised message carried on a fault.
const maxMessageLen = 512

// sanitizeMessage extracts a human-readable error message from an upstream
// error body and scrubs the credential secret from it. Providers sometimes
// echo the presented key back in auth errors; the secret must never reach a
// log line or client body.
func sanitizeMessage(raw []byte, secret string) string {
	msg := extractErrorMessage(raw)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if secret != "" {
		msg = strings.ReplaceAll(msg, secret, "[redacted]")
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return msg
}

// extractErrorMessage digs the message out of the common provider error
// envelopes: {"error": {"message": ...}}, {"error": "..."} and
// {"message": "..."}.
func extractErrorMessage(raw []byte) string {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	switch e := envelope["error"].(type) {
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	case string:
		return e
	}
	if m, ok := envelope["message"].(string); ok {
		return m
	}
	return ""
}
