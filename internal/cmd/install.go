package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/falk/nxcontent/pkg/content"
	"github.com/falk/nxcontent/pkg/fs"
	"github.com/falk/nxcontent/pkg/ncz"
	"github.com/falk/nxcontent/pkg/vfs"
)

func init() {
	installCmd.Flags().BoolVar(&installOverwrite, "overwrite", false, "replace an already installed title")
	installCmd.Flags().StringVar(&installTitleType, "title-type", "application",
		"title type recorded for bare NCA installs (application, update, aoc, ...)")
	installCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(installCmd)
}

var (
	installOverwrite bool
	installTitleType string
)

type installReport struct {
	File   string
	Result string
	OK     bool
}

var installCmd = &cobra.Command{
	Use:   "install <nsp|nca|ncz>...",
	Short: "Install content packages into a registered cache",
	Long: "Install content packages into the cache at --cache-dir. NSP and NSZ\n" +
		"packages install as complete titles; bare NCA and NCZ files install as\n" +
		"loose entries with a fabricated metadata record.",
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		cache := openCache(store)
		parseTitleType(installTitleType) // fail fast on a bad flag value

		encoder := newEncoder()
		failed := false
		for _, filename := range args {
			result := installFile(cache, openInput(filename))
			encoder.Encode(installReport{
				File:   filename,
				Result: result.String(),
				OK:     result.OK(),
			})
			if !result.OK() {
				failed = true
			}
		}
		if failed {
			os.Exit(3)
		}
	},
}

func installFile(cache *content.RegisteredCache, file vfs.File) content.InstallResult {
	switch strings.ToLower(filepath.Ext(file.Name())) {
	case ".nca":
		return cache.InstallNCA(file, parseTitleType(installTitleType), installOverwrite)
	case ".ncz":
		plain, err := ncz.Decompress(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to decompress %s: %v\n", file.Name(), err)
			return content.InstallErrorCopyFailed
		}
		return cache.InstallNCA(plain, parseTitleType(installTitleType), installOverwrite)
	default:
		pkg, err := fs.OpenPFS0(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to open package %s: %v\n", file.Name(), err)
			return content.InstallErrorCopyFailed
		}
		return cache.InstallEntry(pkg, installOverwrite)
	}
}
