package overlayx

import "strings"

// PathMapping translates between logical object identities and physical
// storage paths. Every method returns ok == false when the mapping does not
// apply to its input.
type PathMapping interface {
	// PathForObjectID maps an object id of kind to its physical path
	PathForObjectID(kind ObjectKind, id StoragePath) (StoragePath, bool)

	// ObjectIDFromPath maps a physical path back to an object id of kind
	ObjectIDFromPath(kind ObjectKind, path StoragePath) (StoragePath, bool)

	// PathPrefix returns the physical subtree that holds objects of kind
	PathPrefix(kind ObjectKind) (StoragePath, bool)
}

// DefaultMapping places every object at kind.Prefix()/id.
type DefaultMapping struct{}

func (DefaultMapping) PathForObjectID(kind ObjectKind, id StoragePath) (StoragePath, bool) {
	if !kind.Valid() || id.IsRoot() {
		return StoragePath{}, false
	}
	return kind.Prefix().Join(id), true
}

func (DefaultMapping) ObjectIDFromPath(kind ObjectKind, path StoragePath) (StoragePath, bool) {
	if !kind.Valid() {
		return StoragePath{}, false
	}
	id, ok := path.TrimPrefix(kind.Prefix())
	if !ok || id.IsRoot() {
		return StoragePath{}, false
	}
	return id, true
}

func (DefaultMapping) PathPrefix(kind ObjectKind) (StoragePath, bool) {
	if !kind.Valid() {
		return StoragePath{}, false
	}
	return kind.Prefix(), true
}

// MapPrefix reattaches the subtree From of an inner mapping under To.
type MapPrefix struct {
	Base PathMapping
	From StoragePath
	To   StoragePath
}

// NewMapPrefix wraps the default mapping, rewriting from to to.
func NewMapPrefix(from, to StoragePath) *MapPrefix {
	return &MapPrefix{Base: DefaultMapping{}, From: from, To: to}
}

// MapForward rewrites a path under From to the same path under To.
func (m *MapPrefix) MapForward(p StoragePath) (StoragePath, bool) {
	rel, ok := p.TrimPrefix(m.From)
	if !ok {
		return StoragePath{}, false
	}
	return m.To.Join(rel), true
}

// MapBack rewrites a path under To to the same path under From.
func (m *MapPrefix) MapBack(p StoragePath) (StoragePath, bool) {
	rel, ok := p.TrimPrefix(m.To)
	if !ok {
		return StoragePath{}, false
	}
	return m.From.Join(rel), true
}

func (m *MapPrefix) base() PathMapping {
	if m.Base == nil {
		return DefaultMapping{}
	}
	return m.Base
}

func (m *MapPrefix) PathForObjectID(kind ObjectKind, id StoragePath) (StoragePath, bool) {
	p, ok := m.base().PathForObjectID(kind, id)
	if !ok {
		return StoragePath{}, false
	}
	return m.MapForward(p)
}

func (m *MapPrefix) ObjectIDFromPath(kind ObjectKind, path StoragePath) (StoragePath, bool) {
	p, ok := m.MapBack(path)
	if !ok {
		return StoragePath{}, false
	}
	return m.base().ObjectIDFromPath(kind, p)
}

func (m *MapPrefix) PathPrefix(kind ObjectKind) (StoragePath, bool) {
	p, ok := m.base().PathPrefix(kind)
	if !ok {
		return StoragePath{}, false
	}
	if mapped, ok := m.MapForward(p); ok {
		return mapped, true
	}
	// From lies inside the kind subtree: only the To subtree can hold objects.
	if m.From.HasPrefix(p) {
		return m.To, true
	}
	return StoragePath{}, false
}

// RemovePrefixFallback serves a single kind from a legacy layout by removing
// the logical sub-prefix Prefix from kind.Prefix()/id.
type RemovePrefixFallback struct {
	Kind   ObjectKind
	Prefix StoragePath
}

func (m RemovePrefixFallback) PathForObjectID(kind ObjectKind, id StoragePath) (StoragePath, bool) {
	if kind != m.Kind || id.IsRoot() {
		return StoragePath{}, false
	}
	p, ok := kind.Prefix().Join(id).TrimPrefix(m.Prefix)
	if !ok || p.IsRoot() {
		return StoragePath{}, false
	}
	return p, true
}

func (m RemovePrefixFallback) ObjectIDFromPath(kind ObjectKind, path StoragePath) (StoragePath, bool) {
	if kind != m.Kind {
		return StoragePath{}, false
	}
	id, ok := m.Prefix.Join(path).TrimPrefix(kind.Prefix())
	if !ok || id.IsRoot() {
		return StoragePath{}, false
	}
	return id, true
}

func (m RemovePrefixFallback) PathPrefix(kind ObjectKind) (StoragePath, bool) {
	if kind != m.Kind {
		return StoragePath{}, false
	}
	if p, ok := kind.Prefix().TrimPrefix(m.Prefix); ok {
		return p, true
	}
	if m.Prefix.HasPrefix(kind.Prefix()) {
		return Root, true
	}
	return StoragePath{}, false
}

// ResolveObjectPath validates id and maps it to a physical path through m.
// It fails with ErrNonCanonicalPath for malformed ids and ErrUnmappedObject
// when m does not apply.
func ResolveObjectPath(m PathMapping, kind ObjectKind, id string) (StoragePath, error) {
	objectID, err := ParseObjectID(kind, id)
	if err != nil {
		return StoragePath{}, err
	}
	p, ok := m.PathForObjectID(kind, objectID)
	if !ok {
		return StoragePath{}, ErrUnmappedObject
	}
	return p, nil
}

// MatchObjectPath maps a physical path found while scanning back to an id of
// kind and reports whether that id starts with idPrefix.
func MatchObjectPath(m PathMapping, kind ObjectKind, path StoragePath, idPrefix string) (string, bool) {
	id, ok := m.ObjectIDFromPath(kind, path)
	if !ok {
		return "", false
	}
	s := id.String()
	return s, strings.HasPrefix(s, idPrefix)
}
