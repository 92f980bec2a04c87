package overlayx

import "strings"

// ObjectKind partitions the artifact namespace. The set is closed.
type ObjectKind string

const (
	KindConfig   ObjectKind = "config"
	KindAsset    ObjectKind = "asset"
	KindTemplate ObjectKind = "template"
	KindData     ObjectKind = "data"
	KindService  ObjectKind = "service"
	KindLDP      ObjectKind = "ldp"
)

var kindPrefixes = map[ObjectKind]StoragePath{
	KindConfig:   MustParseStoragePath("config"),
	KindAsset:    MustParseStoragePath("assets"),
	KindTemplate: MustParseStoragePath("templates"),
	KindData:     MustParseStoragePath("data"),
	KindService:  MustParseStoragePath("services"),
	KindLDP:      MustParseStoragePath("ldp"),
}

// AllKinds returns every ObjectKind in a stable order.
func AllKinds() []ObjectKind {
	return []ObjectKind{KindConfig, KindAsset, KindTemplate, KindData, KindService, KindLDP}
}

// ParseObjectKind converts a case-insensitive name into an ObjectKind.
func ParseObjectKind(s string) (ObjectKind, bool) {
	k := ObjectKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Valid reports whether k is a member of the enumeration.
func (k ObjectKind) Valid() bool {
	_, ok := kindPrefixes[k]
	return ok
}

// Prefix returns the default physical root of the kind. Prefixes of
// different kinds never nest.
func (k ObjectKind) Prefix() StoragePath {
	return kindPrefixes[k]
}

func (k ObjectKind) String() string { return string(k) }
