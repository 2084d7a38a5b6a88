package provider

import (
	"fmt"
	"path"
	"strings"
)

// JoinKey joins a configured prefix and a caller path into an object key.
//
// Leading and trailing slashes on either part are dropped, so "/a/" and "b"
// join to "a/b". An empty remote yields the bare prefix.
func JoinKey(prefix, remote string) string {
	prefix = strings.Trim(normalizeSlashes(prefix), "/")
	remote = strings.Trim(normalizeSlashes(remote), "/")
	switch {
	case prefix == "":
		return remote
	case remote == "":
		return prefix
	}
	return prefix + "/" + remote
}

// DirPrefix returns the listing prefix for a directory-like path: the joined
// key with a trailing slash, or "" at the root.
func DirPrefix(prefix, remote string) string {
	k := JoinKey(prefix, remote)
	if k == "" {
		return ""
	}
	return k + "/"
}

// BaseName returns the last path element of a key, ignoring any trailing slash.
func BaseName(key string) string {
	key = strings.TrimRight(key, "/")
	if key == "" {
		return ""
	}
	return path.Base(key)
}

// CleanPath resolves "." and ".." in a slash-separated relative path. A path
// that climbs above its starting point is a ValidationError. The root itself
// cleans to "".
func CleanPath(field, p string) (string, error) {
	s := strings.Trim(normalizeSlashes(p), "/")
	if s == "" {
		return "", nil
	}
	clean := path.Clean(s)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &ValidationError{Field: field, Message: fmt.Sprintf("%q escapes the provider root", p)}
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

func normalizeSlashes(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\\", "/")
}
