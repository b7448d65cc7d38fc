package observability

import (
	"net/http"
	"strings"
	"unicode"
)

const (
	routeLimit  = 180
	userIDLimit = 64
	addrLimit   = 64
)

var knownMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodOptions: {}, http.MethodConnect: {},
	http.MethodTrace: {},
}

// clean drops control characters (including newlines, so log lines cannot be forged) and
// truncates to limit runes.
func clean(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute returns a log-safe route or path, "/" when empty.
func SanitizeRoute(route string) string {
	if route = clean(route, routeLimit); route == "" {
		return "/"
	}
	return route
}

// SanitizeMethod upper-cases the method and collapses anything non-standard into "_OTHER",
// keeping metric cardinality bounded.
func SanitizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "_OTHER"
}

// SanitizeUserID strips control characters from a principal id before it is logged.
func SanitizeUserID(uid string) string {
	return clean(strings.TrimSpace(uid), userIDLimit)
}
