// Package host holds the browser-side collaborators of the injector: the
// privileged-address rule and an in-memory host for dry runs and tests.
// The HTTP bridge client lives in host/httphost.
package host

import "strings"

// privilegedPrefix is the browser's internal scheme. Documents under it
// (settings, extensions, new tab) refuse script injection.
const privilegedPrefix = "chrome:/"

// IsPrivileged reports whether url belongs to the browser's internal scheme.
// The comparison is case-insensitive.
func IsPrivileged(url string) bool {
	return len(url) >= len(privilegedPrefix) &&
		strings.EqualFold(url[:len(privilegedPrefix)], privilegedPrefix)
}
