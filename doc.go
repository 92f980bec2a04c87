// Package overlayx resolves platform objects (configuration, assets,
// templates, data, service and LDP documents) across a prioritized stack of
// object storages.
//
// Every storage is addressed by the same logical identity, an ObjectKind plus
// a canonical id such as "images/logo.png". A PathMapping turns that identity
// into the physical location used by one backend. Storages registered later
// take precedence, so external storages override plugins and plugins
// override the internal (embedded) storage:
//
//	ps := overlayx.NewPlatformStorage(overlayx.WithLogger(logger))
//	_ = ps.AddStorage(overlayx.StorageDescription{ID: "internal", Storage: builtin})
//	_ = ps.AddStorage(overlayx.StorageDescription{ID: "external", Storage: disk})
//
//	res, ok, err := ps.FindObject(ctx, overlayx.KindConfig, "services/mail.json")
//
// Backends live in the adapters/ packages (embedded, file, memory, pebble,
// s3). Each contributes a StorageFactory so stacks can be declared in
// configuration and assembled with Build or the fx Module.
package overlayx
