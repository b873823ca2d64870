package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Separator is the object key path separator.
const Separator = "/"

// MaxKeyBytes is the longest object key the remote accepts.
const MaxKeyBytes = 1024

// ValidateKey checks that name is usable as an object key.
//
// A key must be valid UTF-8, at most MaxKeyBytes long, must not start with a
// separator and must not contain empty, "." or ".." components.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("key exceeds %d bytes", MaxKeyBytes)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("key is not valid UTF-8: %q", key)
	}
	if strings.HasPrefix(key, Separator) {
		return fmt.Errorf("key must be relative: %s", key)
	}
	parts := strings.Split(strings.TrimSuffix(key, Separator), Separator)
	for _, p := range parts {
		switch p {
		case "":
			return fmt.Errorf("key contains an empty component: %s", key)
		case ".", "..":
			return fmt.Errorf("key contains directory traversal: %s", key)
		}
	}
	return nil
}

// ValidateName checks a single child name supplied by the host binding.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid name: %q", name)
	}
	if strings.Contains(name, Separator) {
		return fmt.Errorf("name contains a separator: %q", name)
	}
	return nil
}

// DirKey returns p in directory form: "" for the root, otherwise ending in "/".
func DirKey(p string) string {
	if p == "" || strings.HasSuffix(p, Separator) {
		return p
	}
	return p + Separator
}

// IsDirKey reports whether p is in directory form.
func IsDirKey(p string) bool {
	return p == "" || strings.HasSuffix(p, Separator)
}

// ParentKey returns the directory containing p.
//
//	ParentKey("a/b.txt") == "a/"
//	ParentKey("a/")      == ""
//	ParentKey("")        == ""
func ParentKey(p string) string {
	trimmed := strings.TrimSuffix(p, Separator)
	i := strings.LastIndex(trimmed, Separator)
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

// BaseName returns the last component of p without a trailing separator.
func BaseName(p string) string {
	trimmed := strings.TrimSuffix(p, Separator)
	if i := strings.LastIndex(trimmed, Separator); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// JoinKey appends a child name to a directory key.
func JoinKey(dir, name string) string {
	return DirKey(dir) + name
}

// CleanUserPath turns a slash path typed by a user ("/a/b", "a//b/") into a
// key. Trailing separators are kept so "a/" still names a directory.
func CleanUserPath(p string) string {
	dir := strings.HasSuffix(p, Separator)
	parts := strings.Split(p, Separator)
	kept := parts[:0]
	for _, s := range parts {
		if s != "" && s != "." {
			kept = append(kept, s)
		}
	}
	key := strings.Join(kept, Separator)
	if dir && key != "" {
		key += Separator
	}
	return key
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
//
// Example usage:
//
//	scratch, err := SecureJoin(cacheRoot, "staging", mountDir)
//	if err != nil {
//		return fmt.Errorf("invalid staging layout: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
