package overlayx_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/gostratum/overlayx"
	"github.com/gostratum/overlayx/adapters/memory"
)

// ExampleBuild assembles a two-layer stack in which the customer layer
// overrides a single template of the product layer.
func ExampleBuild() {
	ctx := context.Background()

	registry, err := overlayx.NewStorageRegistry(memory.Factory())
	if err != nil {
		panic(err)
	}

	cfg := overlayx.DefaultConfig()
	cfg.Storages = []overlayx.StorageEntry{
		{ID: "product", Type: "memory"},
		{ID: "customer", Type: "memory", Kinds: []string{"template"}},
	}

	ps, err := overlayx.Build(ctx, cfg, registry)
	if err != nil {
		panic(err)
	}
	defer ps.Close()

	write := func(storageID, id, content string) {
		meta := ps.GetDefaultMetadata(ctx)
		if _, err := ps.AppendObject(ctx, storageID, overlayx.KindTemplate, id, meta, strings.NewReader(content), int64(len(content))); err != nil {
			panic(err)
		}
	}
	write("product", "header.hbs", "Product header")
	write("product", "footer.hbs", "Product footer")
	write("customer", "header.hbs", "ACME header")

	all, err := ps.FindAll(ctx, overlayx.KindTemplate, "")
	if err != nil {
		panic(err)
	}
	for _, r := range all {
		content, err := overlayx.ReadAll(ctx, r.Record.Location)
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s from %s: %s\n", r.Record.ID, r.AppID, content)
	}

	// Output:
	// footer.hbs from product: Product footer
	// header.hbs from customer: ACME header
}

// ExampleDefaultConfig shows the defaults applied before configuration is loaded.
func ExampleDefaultConfig() {
	cfg := overlayx.DefaultConfig()
	fmt.Println(cfg.LegacyFallbacks, len(cfg.Storages))

	// Output:
	// true 0
}
