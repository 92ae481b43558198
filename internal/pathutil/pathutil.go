// Package pathutil implements pure path and time helpers: second-granularity
// wall clock, duration-since, and the split/join/basename trio used by the
// metadata cache and the FS operation layer to move between an absolute
// remote path and its (parent, name) decomposition.
package pathutil

import (
	"path"
	"strings"
	"time"
)

// Now returns the current wall-clock time truncated to second granularity,
// matching the time_t resolution the cache timestamps and connection
// activity stamps are compared against.
func Now() time.Time {
	return time.Now().Truncate(time.Second)
}

// SecondsSince returns the whole number of seconds elapsed since t.
func SecondsSince(t time.Time) int64 {
	return int64(time.Since(t).Seconds())
}

// Split decomposes an absolute path into its parent directory and final
// component. A trailing slash is stripped before splitting. The root path
// "/" splits to ("/", "").
func Split(p string) (dir string, name string) {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/", ""
	}
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "/", p
	}
	if idx == 0 {
		return "/", p[1:]
	}
	return p[:idx], p[idx+1:]
}

// Join normalizes dir and name into a single absolute path, collapsing any
// duplicate separators introduced by the concatenation.
func Join(dir string, name string) string {
	if name == "" {
		return path.Clean(dir)
	}
	return path.Clean(dir + "/" + name)
}

// Basename returns the final path component, equivalent to the name half of
// Split but without needing the parent.
func Basename(p string) string {
	_, name := Split(p)
	return name
}
