// Package cmd implements the nxcontent command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxcontent/pkg/content"
	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/vfs"
)

var (
	keysDir  string
	cacheDir string
	devKeys  bool
)

var rootCmd = &cobra.Command{
	Use:   "nxcontent",
	Short: "Inspect, decrypt and install Nintendo Switch content archives",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&keysDir, "keys-dir", "k", "",
		"directory holding prod.keys, title.keys and console.keys (default: . then ~/.switch)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "",
		"registered cache directory (required by list, install and remove)")
	rootCmd.PersistentFlags().BoolVar(&devKeys, "dev", false,
		"write derived keys to dev.keys_autogenerated instead of prod")
}

// Execute the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads key files from --keys-dir or the default locations. Base
// derivation runs opportunistically: a store fed only from prod.keys already
// carries its derived keys, so missing console keys are not an error here.
func openStore() *keys.Store {
	store := keys.NewStore(keysDir)
	store.SetDev(devKeys)

	var err error
	if keysDir != "" {
		err = store.LoadDir(keysDir)
	} else {
		err = store.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if store.Has128(keys.KindSecureBoot) && store.Has128(keys.KindTSEC) {
		if err := store.DeriveBase(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: key derivation incomplete: %v\n", err)
		}
	}
	return store
}

// openCache opens the registered cache rooted at --cache-dir.
func openCache(store *keys.Store) *content.RegisteredCache {
	if cacheDir == "" {
		fmt.Fprintln(os.Stderr, "--cache-dir is required")
		os.Exit(2)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open cache: %v\n", err)
		os.Exit(2)
	}
	return content.NewRegisteredCache(vfs.NewOSDir(cacheDir), store, nil)
}
