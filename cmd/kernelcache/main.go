// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernelcache inspects and clears the durable store of compiled kernel variants.
//
// Usage:
//
//	kernelcache [-store=dir|sqlite] [-kernel=<name>] [-digest=<prefix>] [-clear] [<cache_dir>]
//
// If <cache_dir> is not given, it is taken from -config, from $KERNELSPEC_CACHE_DIR, or the
// default cache directory, in this order.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelspec/pkg/core/store"
	"github.com/gomlx/kernelspec/pkg/program"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML configuration file (see program.Config) with the cache_dir and store kind.")
	flagStore  = flag.String("store", "", fmt.Sprintf("Store kind: %q or %q. It overrides the configuration.",
		program.StoreDir, program.StoreSQLite))
	flagKernel = flag.String("kernel", "", "Only consider entries of the kernel with this name.")
	flagDigest = flag.String("digest", "", "Only consider entries whose digest starts with this prefix.")
	flagClear  = flag.Bool("clear", false, "Delete the selected entries (all entries if no filter is given).")
	flagUsed   = flag.Bool("used", false, "List the used parameters of each selected entry.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'kernelcache -help'.")
		os.Exit(1)
	}
	setColorProfile()

	config := program.DefaultConfig()
	if *flagConfig != "" {
		config = must.M1(program.LoadConfig(*flagConfig))
	}
	config = config.FromEnv()
	if len(args) == 1 {
		config.CacheDir = args[0]
	}
	if *flagStore != "" {
		config.StoreKind = *flagStore
	}
	config.OfflineCache = true
	if err := config.Validate(); err != nil {
		klog.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	s := must.M1(config.OpenStore())
	defer func() { must.M(s.Close()) }()
	entries := selectEntries(must.M1(s.List()), *flagKernel, *flagDigest)
	report(config, entries)
	if *flagClear {
		clearEntries(s, entries)
	}
}

func report(config program.Config, entries []*store.Entry) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("cache_dir", config.CacheDir)
	table.Row("store", config.StoreKind)
	summary := summarize(entries)
	table.Row("# entries", humanize.Comma(int64(len(entries))))
	table.Row("# kernels", humanize.Comma(int64(len(summary.kernels))))
	table.Row("backends", fmt.Sprintf("%q", summary.backends))
	table.Row("artifacts", humanize.Bytes(uint64(summary.totalSize)))
	fmt.Println(table.Render())
	if len(entries) == 0 {
		return
	}

	fmt.Println(titleStyle.Render("Entries"))
	table = newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Headers("Digest", "Key", "Backend", "Used", "Size", "Created")
	for _, entry := range entries {
		table.Row(shortDigest(entry.Digest), entry.Key, entry.Backend, usedCounts(entry),
			humanize.Bytes(uint64(entry.ArtifactSize)), humanize.Time(entry.CreatedAt))
	}
	fmt.Println(table.Render())

	if *flagUsed {
		for _, entry := range entries {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Used parameters of %s", shortDigest(entry.Digest))))
			table = newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left)
			table.Headers("Path", "Kind", "DType")
			for _, leaf := range entry.Used {
				table.Row(leaf.Path, leaf.Kind, dtypeName(leaf.DType))
			}
			fmt.Println(table.Render())
		}
	}
}

func clearEntries(s store.Store, entries []*store.Entry) {
	var totalSize int
	for _, entry := range entries {
		must.M(s.Delete(entry.Digest))
		totalSize += entry.ArtifactSize
	}
	fmt.Printf("Deleted %s entries (%s)\n", humanize.Comma(int64(len(entries))), humanize.Bytes(uint64(totalSize)))
}
