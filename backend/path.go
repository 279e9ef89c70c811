package backend

import (
	"strings"
)

// ValidatePath checks that path is slash-delimited.
func ValidatePath(path string) error {
	if !strings.Contains(path, "/") {
		return NewError(CodeInvalidArgument, "invalid path: %q", path)
	}
	return nil
}

// SplitPath returns the ancestor chain of path (top-down, excluding the root) and the leaf.
// For "/a/b/c" it gives ["/a", "/a/b"] and "/a/b/c".
func SplitPath(path string) ([]string, string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, "", err
	}

	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return nil, "/", nil
	}

	var ancestors []string
	for i := 1; i < len(trimmed); i++ {
		if trimmed[i] != '/' {
			continue
		}
		if trimmed[i-1] == '/' {
			continue
		}
		ancestors = append(ancestors, trimmed[:i])
	}
	return ancestors, trimmed, nil
}

// JoinChild builds the full path of a child name.
func JoinChild(parent string, child string) string {
	if strings.HasSuffix(parent, "/") {
		return parent + child
	}
	return parent + "/" + child
}

// BaseName returns the last component of path.
func BaseName(path string) string {
	trimmed := strings.TrimRight(path, "/")
	index := strings.LastIndexByte(trimmed, '/')
	return trimmed[index+1:]
}

// ParentPath returns the parent of path, "/" for top-level nodes.
func ParentPath(path string) string {
	trimmed := strings.TrimRight(path, "/")
	index := strings.LastIndexByte(trimmed, '/')
	if index <= 0 {
		return "/"
	}
	return trimmed[:index]
}
