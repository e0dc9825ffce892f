package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are matched case-insensitively as substrings of query
// parameter names.
var sensitiveParams = []string{
	"token",
	"password",
	"secret",
	"auth",
	"key",
	"credential",
	"signature",
}

// redactURL renders u for logs with user info and sensitive query values
// replaced.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	if safe.User != nil {
		safe.User = url.User("REDACTED")
	}
	q := safe.Query()
	changed := false
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "REDACTED")
			changed = true
		}
	}
	if changed {
		safe.RawQuery = q.Encode()
	}
	return safe.String()
}

func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
