package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/ticket"
)

func init() {
	ticketCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(ticketCmd)
}

type ticketInfo struct {
	File          string
	SignatureType string
	Issuer        string
	Personalized  bool
	KeyRevision   uint8
	TicketID      string `json:",omitempty"`
	DeviceID      string `json:",omitempty"`
	RightsID      string
	TitleKey      string `json:",omitempty"`
	Error         string `json:",omitempty"`
}

var ticketCmd = &cobra.Command{
	Use:   "ticket <file>...",
	Short: "Extract title keys from ticket files",
	Long: "Scan ticket files or raw ticket saves for tickets and recover their title\n" +
		"keys. Recovered keys are added to the key store; with --keys-dir they are\n" +
		"appended to title.keys_autogenerated. Personalized tickets need the ETicket\n" +
		"RSA key, derived beforehand via 'keys derive --prodinfo ...'.",
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		pair, _ := store.ETicketRSAKey()

		encoder := newEncoder()
		for _, filename := range args {
			blob, err := os.ReadFile(filename)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Unable to open file: %v\n", err)
				os.Exit(2)
			}

			tickets := ticket.ScanBlob(blob)
			if len(tickets) == 0 {
				fmt.Fprintf(os.Stderr, "No tickets found in %s\n", filename)
				os.Exit(3)
			}

			for i := range tickets {
				encoder.Encode(describeTicket(store, &tickets[i], pair, filename))
			}
		}
	},
}

func describeTicket(store *keys.Store, t *ticket.Ticket, pair *keys.RSAKeyPair, filename string) ticketInfo {
	info := ticketInfo{
		File:          filename,
		SignatureType: fmt.Sprintf("%#x", uint32(t.SignatureType)),
		Issuer:        cString(t.Data.Issuer[:]),
		Personalized:  t.Data.Type == ticket.TitleKeyPersonalized,
		KeyRevision:   t.Data.KeyRevision,
		RightsID:      hex.EncodeToString(t.Data.RightsID[:]),
	}
	if t.Data.TicketID != 0 {
		info.TicketID = fmt.Sprintf("%016x", t.Data.TicketID)
	}
	if t.Data.DeviceID != 0 {
		info.DeviceID = fmt.Sprintf("%016x", t.Data.DeviceID)
	}

	key, err := t.ExtractTitleKey(pair)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.TitleKey = hex.EncodeToString(key.Key[:])
	store.SetTitleKey(key.RightsID, key.Key)
	return info
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
