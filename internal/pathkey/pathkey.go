// Package pathkey derives object-store keys from folder and file paths
// and decomposes keys back into parent path and leaf name.
//
// Key invariant: directory keys end with "/", file keys do not. The
// user's root key is "/<userID>/". All functions are pure and total:
// degenerate inputs ("", "/", runs of separators) are normalized, never
// rejected.
package pathkey

import (
	"mime"
	"path"
	"strings"
)

// DirectoryContentType is the content type recorded for directory-style
// placeholder objects.
const DirectoryContentType = "application/x-directory"

// Normalize collapses runs of "/" and ensures a leading "/". The empty
// string normalizes to "". A trailing slash is preserved, so directory
// keys stay directory keys.
func Normalize(key string) string {
	if key == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(key) + 1)
	if key[0] != '/' {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// UserRootKey returns the root directory key for a user.
func UserRootKey(userID string) string {
	return "/" + userID + "/"
}

// BuildKey joins name under parentPath as a directory key (trailing "/").
func BuildKey(parentPath, name string) string {
	return join(parentPath, name) + "/"
}

// BuildFileKey joins name under parentPath as a file key (no trailing "/").
func BuildFileKey(parentPath, name string) string {
	return join(parentPath, name)
}

func join(parentPath, name string) string {
	p := Normalize(parentPath)
	n := strings.Trim(name, "/")
	switch {
	case p == "" || p == "/":
		return "/" + n
	case strings.HasSuffix(p, "/"):
		return p + n
	default:
		return p + "/" + n
	}
}

// ParentPath returns the parent directory key of key, trailing slash
// included: "/u/a/b/" -> "/u/a/". Top-level keys ("/u/") and degenerate
// inputs ("", "/") have no parent and return "".
func ParentPath(key string) string {
	k := strip(key)
	if k == "" {
		return ""
	}
	i := strings.LastIndexByte(k, '/')
	if i < 0 {
		return ""
	}
	parent := k[:i+1]
	if parent == "/" {
		return ""
	}
	return parent
}

// LeafName returns the last path segment of key without separators:
// "/u/a/b/" -> "b", "/u/a/f.txt" -> "f.txt". Degenerate inputs return "".
func LeafName(key string) string {
	k := strip(key)
	if k == "" {
		return ""
	}
	i := strings.LastIndexByte(k, '/')
	return k[i+1:]
}

// strip normalizes and removes a single trailing slash, reducing
// directory and file keys to the same decomposable form.
func strip(key string) string {
	k := Normalize(key)
	if k == "/" {
		return ""
	}
	return strings.TrimSuffix(k, "/")
}

// IsDirectoryKey reports whether key names a directory object.
func IsDirectoryKey(key string) bool {
	k := Normalize(key)
	return k != "" && strings.HasSuffix(k, "/")
}

// ContentTypeHint returns the content type implied by a key:
// DirectoryContentType for directory keys, a type derived from the file
// extension otherwise, or "" when the name has no extension.
func ContentTypeHint(key string) string {
	k := Normalize(key)
	if k == "" {
		return ""
	}
	if strings.HasSuffix(k, "/") {
		return DirectoryContentType
	}
	ext := path.Ext(k)
	if ext == "" || ext == "." {
		return ""
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ReplacePrefix substitutes oldPrefix with newPrefix when key starts
// with oldPrefix. The prefix is replaced exactly once, at the start of
// the key, never elsewhere. Keys outside oldPrefix come back unchanged.
func ReplacePrefix(key, oldPrefix, newPrefix string) string {
	if !strings.HasPrefix(key, oldPrefix) {
		return key
	}
	return newPrefix + key[len(oldPrefix):]
}

// Segments splits key into its non-empty path segments.
func Segments(key string) []string {
	var segs []string
	for _, s := range strings.Split(Normalize(key), "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
