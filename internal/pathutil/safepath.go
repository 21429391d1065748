// Package pathutil holds checks for slash-separated package paths.
package pathutil

import "strings"

// EscapesRoot reports whether any segment of p is "..", which would let a
// resource path climb out of the extension package.
func EscapesRoot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
