package overlayx

import (
	"fmt"
	"strings"
)

// StoragePath is a canonical, slash-separated relative path. The zero value
// is the root path. Two paths are equal (==) iff their components are equal.
type StoragePath struct {
	path string
}

// Root is the empty path.
var Root = StoragePath{}

// ParseStoragePath parses s into a canonical StoragePath. Absolute paths,
// empty components and "." or ".." segments are rejected with
// ErrNonCanonicalPath.
func ParseStoragePath(s string) (StoragePath, error) {
	if s == "" {
		return Root, nil
	}
	if err := validatePath(s); err != nil {
		return StoragePath{}, fmt.Errorf("%w: %q: %s", ErrNonCanonicalPath, s, err.Error())
	}
	return StoragePath{path: s}, nil
}

// MustParseStoragePath is like ParseStoragePath but panics on error. Use it
// only for constant paths.
func MustParseStoragePath(s string) StoragePath {
	p, err := ParseStoragePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func validatePath(s string) error {
	if strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must be relative")
	}
	if strings.ContainsAny(s, "\\\x00") {
		return fmt.Errorf("path contains a backslash or NUL byte")
	}
	for _, c := range strings.Split(s, "/") {
		switch c {
		case "":
			return fmt.Errorf("path contains an empty component")
		case ".", "..":
			return fmt.Errorf("path contains a %q component", c)
		}
	}
	return nil
}

// String returns the slash-separated form of the path.
func (p StoragePath) String() string { return p.path }

// IsRoot reports whether p has no components.
func (p StoragePath) IsRoot() bool { return p.path == "" }

// Components returns the path components.
func (p StoragePath) Components() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(p.path, "/")
}

// Resolve appends child, which may contain several components, to p.
func (p StoragePath) Resolve(child string) (StoragePath, error) {
	c, err := ParseStoragePath(child)
	if err != nil {
		return StoragePath{}, err
	}
	return p.Join(c), nil
}

// Join appends other to p.
func (p StoragePath) Join(other StoragePath) StoragePath {
	switch {
	case p.IsRoot():
		return other
	case other.IsRoot():
		return p
	}
	return StoragePath{path: p.path + "/" + other.path}
}

// Parent returns p without its last component. The parent of the root is
// the root.
func (p StoragePath) Parent() StoragePath {
	i := strings.LastIndexByte(p.path, '/')
	if i < 0 {
		return Root
	}
	return StoragePath{path: p.path[:i]}
}

// LastComponent returns the final component, or "" for the root.
func (p StoragePath) LastComponent() string {
	return p.path[strings.LastIndexByte(p.path, '/')+1:]
}

// HasPrefix reports whether prefix is a component-wise prefix of p. Every
// path has the root as a prefix.
func (p StoragePath) HasPrefix(prefix StoragePath) bool {
	if prefix.IsRoot() || p == prefix {
		return true
	}
	return strings.HasPrefix(p.path, prefix.path+"/")
}

// TrimPrefix returns p relative to prefix. ok is false when prefix is not a
// component-wise prefix of p.
func (p StoragePath) TrimPrefix(prefix StoragePath) (rel StoragePath, ok bool) {
	if !p.HasPrefix(prefix) {
		return StoragePath{}, false
	}
	if prefix.IsRoot() {
		return p, true
	}
	if p == prefix {
		return Root, true
	}
	return StoragePath{path: p.path[len(prefix.path)+1:]}, true
}

// HasExtension reports whether the last component ends with ext, which must
// include the leading dot.
func (p StoragePath) HasExtension(ext string) bool {
	last := p.LastComponent()
	return len(last) > len(ext) && strings.HasSuffix(last, ext)
}

// AddExtension appends ext (including the leading dot) to the last component.
func (p StoragePath) AddExtension(ext string) StoragePath {
	if p.IsRoot() {
		panic("overlayx: cannot add an extension to the root path")
	}
	return StoragePath{path: p.path + ext}
}

// RemoveAnyExtension strips the last extension of the final component. A
// leading dot (hidden file) is not treated as an extension.
func (p StoragePath) RemoveAnyExtension() StoragePath {
	last := p.LastComponent()
	i := strings.LastIndexByte(last, '.')
	if i <= 0 {
		return p
	}
	return StoragePath{path: p.path[:len(p.path)-(len(last)-i)]}
}
