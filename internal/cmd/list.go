package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/falk/nxcontent/pkg/cnmt"
	"github.com/falk/nxcontent/pkg/content"
)

func init() {
	listCmd.Flags().StringVar(&listTitleID, "title-id", "", "only list entries of this title id (hex)")
	listCmd.Flags().StringVar(&listKind, "kind", "", "only list entries of this content kind (program, control, ...)")
	listCmd.Flags().StringVar(&listTitleType, "title-type", "", "only list entries of this title type (application, update, aoc, ...)")
	listCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(listCmd)
}

var (
	listTitleID   string
	listKind      string
	listTitleType string
)

type listEntry struct {
	TitleID   string
	Version   uint32
	TitleType string
	Kind      string
	NcaID     string `json:",omitempty"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the contents of a registered cache",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		cache := openCache(store)

		var filter content.Filter
		if listTitleID != "" {
			id := parseTitleID(listTitleID)
			filter.TitleID = &id
		}
		if listKind != "" {
			kind := parseContentType(listKind)
			filter.RecordType = &kind
		}
		if listTitleType != "" {
			tt := parseTitleType(listTitleType)
			filter.TitleType = &tt
		}

		out := make([]listEntry, 0)
		for _, e := range cache.List(filter) {
			version, _ := cache.Version(e.TitleID)
			out = append(out, listEntry{
				TitleID:   fmt.Sprintf("%016x", e.TitleID),
				Version:   version,
				TitleType: e.TitleType.String(),
				Kind:      e.Type.String(),
				NcaID:     hex.EncodeToString(e.ID[:]),
			})
		}
		newEncoder().Encode(out)
	},
}

func parseTitleID(s string) uint64 {
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid title id: %s\n", s)
		os.Exit(2)
	}
	return id
}

func parseContentType(s string) cnmt.ContentType {
	switch strings.ToLower(s) {
	case "meta":
		return cnmt.ContentMeta
	case "program":
		return cnmt.ContentProgram
	case "data":
		return cnmt.ContentData
	case "control":
		return cnmt.ContentControl
	case "html-document", "htmldocument":
		return cnmt.ContentHtmlDocument
	case "legal-information", "legalinformation":
		return cnmt.ContentLegalInformation
	case "delta-fragment", "deltafragment":
		return cnmt.ContentDeltaFragment
	}
	fmt.Fprintf(os.Stderr, "Unknown content kind: %s\n", s)
	os.Exit(2)
	return 0
}

func parseTitleType(s string) cnmt.TitleType {
	switch strings.ToLower(s) {
	case "application":
		return cnmt.TitleTypeApplication
	case "update", "patch":
		return cnmt.TitleTypeUpdate
	case "aoc", "addon", "dlc":
		return cnmt.TitleTypeAOC
	case "delta":
		return cnmt.TitleTypeDeltaTitle
	case "system-program":
		return cnmt.TitleTypeSystemProgram
	case "system-data":
		return cnmt.TitleTypeSystemDataArchive
	case "system-update":
		return cnmt.TitleTypeSystemUpdate
	}
	fmt.Fprintf(os.Stderr, "Unknown title type: %s\n", s)
	os.Exit(2)
	return 0
}
