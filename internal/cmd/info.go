package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxcontent/pkg/fs"
	"github.com/falk/nxcontent/pkg/ncz"
)

func init() {
	infoCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(infoCmd)
}

type ncaInfo struct {
	File        string
	TitleID     string
	ContentType string
	KeyRevision int
	RightsID    string `json:",omitempty"`
	SectionKey  bool
	Sections    []sectionInfo
}

type sectionInfo struct {
	Index  int
	Offset int64
	Size   int64
	Crypto string
}

type packageInfo struct {
	File    string
	Entries []packageEntry
}

type packageEntry struct {
	Name       string
	Size       int64
	Compressed bool
}

var infoCmd = &cobra.Command{
	Use:   "info <nca|ncz|nsp>...",
	Short: "Describe content archives and packages",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()

		encoder := newEncoder()
		for _, filename := range args {
			file := openInput(filename)

			if ncz.IsNCZ(file) {
				plain, err := ncz.Decompress(file)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Unable to decompress %s: %v\n", filename, err)
					os.Exit(3)
				}
				file = plain
			}

			if pkg, err := fs.OpenPFS0(file); err == nil {
				encoder.Encode(describePackage(filename, pkg))
				continue
			}

			archive, err := fs.Open(file, store)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Unable to parse %s: %v\n", filename, err)
				os.Exit(3)
			}
			encoder.Encode(describeNCA(filename, archive))
		}
	},
}

func describePackage(filename string, pkg *fs.PFS0) packageInfo {
	info := packageInfo{File: filename, Entries: make([]packageEntry, 0)}
	for _, f := range pkg.Files() {
		info.Entries = append(info.Entries, packageEntry{
			Name:       f.Name(),
			Size:       f.Size(),
			Compressed: ncz.IsNCZ(f),
		})
	}
	return info
}

func describeNCA(filename string, n *fs.NCA) ncaInfo {
	header := n.Header
	info := ncaInfo{
		File:        filename,
		TitleID:     fmt.Sprintf("%016x", header.TitleID),
		ContentType: header.ContentType.String(),
		KeyRevision: header.KeyRevision(),
		SectionKey:  n.HasSectionKey(),
	}
	if header.HasRightsID() {
		info.RightsID = hex.EncodeToString(header.RightsID[:])
	}

	for i := range header.SectionTables {
		entry := &header.SectionTables[i]
		if entry.MediaStartOffset == 0 && entry.MediaEndOffset == 0 {
			continue
		}
		info.Sections = append(info.Sections, sectionInfo{
			Index:  i,
			Offset: entry.StartOffset(),
			Size:   entry.EndOffset() - entry.StartOffset(),
			Crypto: sectionCryptoName(header.FSHeaders[i].CryptoType),
		})
	}
	return info
}

func sectionCryptoName(crypto uint8) string {
	switch crypto {
	case fs.SectionCryptoNone:
		return "none"
	case fs.SectionCryptoXTS:
		return "xts"
	case fs.SectionCryptoCTR:
		return "ctr"
	case fs.SectionCryptoBKTR:
		return "bktr"
	}
	return fmt.Sprintf("unknown(%d)", crypto)
}
