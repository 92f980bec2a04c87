package testutil

import (
	"go.uber.org/fx"

	"github.com/gostratum/overlayx"
	"github.com/gostratum/overlayx/adapters/memory"
)

// TestModule replaces the loaded configuration with NewTestConfig and adds
// the in-memory storage factory, enough to start overlayx.Module() without
// a configx loader. It must be passed at the top level of the application.
//
// Example usage:
//
//	import "github.com/gostratum/overlayx/internal/testutil"
//
//	func TestMyApp(t *testing.T) {
//	    app := fxtest.New(t,
//	        overlayx.Module(),
//	        testutil.TestModule,
//	        fx.Invoke(func(ps *overlayx.PlatformStorage) {
//	            // Use the platform storage
//	        }),
//	    )
//	    // ...
//	}
var TestModule = fx.Options(
	fx.Replace(NewTestConfig()),
	memory.Module(),
)

// NewTestConfig creates a configuration with two in-memory storages,
// "base" and "override", the latter taking precedence.
func NewTestConfig() *overlayx.Config {
	cfg := overlayx.DefaultConfig()
	cfg.DefaultAuthor = "test"
	cfg.EnableLogging = true
	cfg.Storages = []overlayx.StorageEntry{
		{ID: "base", Type: memory.Type},
		{ID: "override", Type: memory.Type},
	}
	return cfg
}
