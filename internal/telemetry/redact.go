package telemetry

import "strings"

// sensitiveKeys names field names the redactor scrubs before any sink
// (log line or event payload) sees them, generalized from the teacher's
// node_executors.go API-key resolution helpers (spec §7: "credentials and
// secrets are redacted from logs and event payloads before append").
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey", "authorization",
	"credential", "private_key", "bearer",
}

const redactedPlaceholder = "***redacted***"

// exemptKeys are single-use resumption handles, not credentials: the event
// stream is the operator's surface for reading them (decideApproval takes
// the emitted approveToken), and replaying events must reconstruct a
// suspended node's wait token exactly.
var exemptKeys = map[string]bool{
	"waittoken":    true,
	"approvetoken": true,
	"rejecttoken":  true,
}

// Redact returns a shallow copy of fields with sensitive-looking keys
// masked. It is applied uniformly by the logger and by the event-log
// appender so the two sinks can never disagree about what leaked.
func Redact(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if exemptKeys[lower] {
		return false
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
