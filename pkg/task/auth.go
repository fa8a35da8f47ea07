package task

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// AuthDistribution is a credential set fetched once per run from the
// tracking backend and shared read-only across task pipelines.
type AuthDistribution struct {
	ID        string                       `json:"id"`
	LoginInfo map[string]map[string]string `json:"loginInfo"`
}

// FormatAuthInfo renders the credentials matching the requested auth
// keys into the text appended to a task instruction. Returns "" when
// nothing matches so callers can skip injection entirely.
func FormatAuthInfo(dist *AuthDistribution, authKeys []string) string {
	if dist == nil || len(authKeys) == 0 {
		return ""
	}

	if len(dist.LoginInfo) == 0 {
		slog.Warn("auth distribution has no login info")
		return ""
	}

	var relevant []string
	for _, key := range authKeys {
		info, ok := dist.LoginInfo[key]
		if !ok {
			slog.Warn("auth key not found in available login info", "key", key)
			continue
		}

		details := make([]string, 0, len(info))
		// deterministic ordering for logging and tests
		fields := make([]string, 0, len(info))
		for f := range info {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			details = append(details, fmt.Sprintf("%s: %s", f, info[f]))
		}

		if len(details) > 0 {
			relevant = append(relevant, fmt.Sprintf("%s with %s", key, strings.Join(details, ", ")))
		}
	}

	if len(relevant) == 0 {
		slog.Warn("no matching auth keys found", "requested", authKeys)
		return ""
	}

	return fmt.Sprintf("\n\nThe following login credentials can be used to complete this task: %s.", strings.Join(relevant, "; "))
}
