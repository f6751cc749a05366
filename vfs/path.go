package vfs

import (
	"strings"

	"github.com/tonk-labs/tonk-core/vfserrors"
)

// normalize validates and cleans an absolute POSIX-style path, resolving
// "." and ".." segments and rejecting anything that would escape the root.
// The result never has a trailing slash except for the root path itself.
func normalize(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, vfserrors.InvalidPath{Path: path, Reason: "path must be absolute"}
	}
	raw := strings.Split(path, "/")
	var out []string
	for _, seg := range raw {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, vfserrors.InvalidPath{Path: path, Reason: "escapes root"}
			}
			out = out[:len(out)-1]
		default:
			if strings.ContainsRune(seg, 0) {
				return nil, vfserrors.InvalidPath{Path: path, Reason: "segment contains NUL"}
			}
			out = append(out, seg)
		}
	}
	return out, nil
}

// canonical renders normalized segments back into an absolute path string,
// used as the cache key and in notifications.
func canonical(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}
