// Package pathutil holds small path checks shared by the threat scanner and
// the upload guard.
package pathutil

import (
	"net/url"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..". Both '/'
// and '\' count as separators.
func HasDotSegments(p string) bool {
	for _, seg := range strings.FieldsFunc(p, isSep) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func isSep(r rune) bool { return r == '/' || r == '\\' }

// HasTraversal reports whether raw (an escaped path or a parameter value)
// contains dot segments either literally or after up to two rounds of
// percent-decoding, which catches %2e%2e%2f and double-encoded variants.
func HasTraversal(raw string) bool {
	cur := raw
	for i := 0; i < 3; i++ {
		if HasDotSegments(cur) {
			return true
		}
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			return false
		}
		cur = next
	}
	return false
}

// BaseName returns the final element of a client-supplied filename,
// treating both '/' and '\' as separators. It never returns "." or "..".
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "." || name == ".." {
		return ""
	}
	return name
}
