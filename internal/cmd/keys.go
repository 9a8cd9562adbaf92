package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/vfs"
)

func init() {
	keysDeriveCmd.Flags().StringVar(&boot0Path, "boot0", "", "BOOT0 flash partition to scan for console keyblobs")
	keysDeriveCmd.Flags().StringVar(&prodinfoPath, "prodinfo", "", "PRODINFO partition holding the wrapped ETicket RSA key (raw or decrypted)")
	keysDeriveCmd.Flags().StringVar(&consoleDirPath, "console-dir", "", "directory of console partition dumps; BOOT0 and PRODINFO are located by name")
	keysDeriveCmd.Flags().StringVar(&secmonPath, "secmon", "", "decrypted secure monitor image to scan for RSA kek constants")
	keysDeriveCmd.Flags().StringVar(&esPath, "es", "", "firmware es main executable to scan for ETicket kek sources")
	keysDeriveCmd.Flags().StringVar(&sdPrivatePath, "sd-private", "", "SD card private file (Nintendo/Contents/private)")
	keysDeriveCmd.Flags().StringVar(&sdSavePath, "sd-save", "", "system save 8000000000000043 holding the SD seed")
	keysDeriveCmd.Flags().AddFlagSet(&processFlags)
	keysDumpCmd.Flags().AddFlagSet(&processFlags)

	keysCmd.AddCommand(keysDeriveCmd)
	keysCmd.AddCommand(keysDumpCmd)
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Derive and export decryption keys",
}

var (
	boot0Path      string
	prodinfoPath   string
	consoleDirPath string
	secmonPath     string
	esPath         string
	sdPrivatePath  string
	sdSavePath     string
)

type deriveReport struct {
	Base      string
	SDKeys    string
	ETicket   string
	NamedKeys int
}

// status collapses a derivation error into a reportable string.
func status(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// mustReadFile reads an optional input file, exiting on failure; an empty
// path yields nil.
func mustReadFile(path, what string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read %s: %v\n", what, err)
		os.Exit(2)
	}
	return data
}

var keysDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Run key derivation from loaded key files and console partitions",
	Long: "Run key derivation from loaded key files and console partitions.\n" +
		"Derived keys are appended to the autogenerated key files next to their inputs\n" +
		"when --keys-dir is given.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()

		loadPartitions(store)
		if data := mustReadFile(secmonPath, "secure monitor image"); data != nil {
			store.LoadSecureMonitor(data)
		}
		loadSDSeed(store)
		esMain := mustReadFile(esPath, "es binary")

		report := deriveReport{
			Base:    status(store.DeriveBase()),
			SDKeys:  status(store.DeriveSDKeys()),
			ETicket: status(store.DeriveETicket(esMain)),
		}
		report.NamedKeys = len(store.Export())

		newEncoder().Encode(report)
	},
}

// loadPartitions feeds BOOT0 and PRODINFO into the store, from explicit
// paths or located by well-known name inside --console-dir.
func loadPartitions(store *keys.Store) {
	var boot0, prodinfo vfs.File

	if consoleDirPath != "" {
		dir := vfs.NewOSDir(consoleDirPath)
		boot0 = vfs.GetFileRelaxed(dir, "BOOT0")
		prodinfo = vfs.GetFileRelaxed(dir, "PRODINFO")
	}
	if boot0Path != "" {
		boot0 = openInput(boot0Path)
	}
	if prodinfoPath != "" {
		prodinfo = openInput(prodinfoPath)
	}

	if boot0 != nil {
		store.LoadBOOT0(boot0)
	}
	if prodinfo != nil {
		if err := store.LoadProdInfo(prodinfo); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: PRODINFO: %v\n", err)
		}
	}
}

func loadSDSeed(store *keys.Store) {
	if sdPrivatePath == "" && sdSavePath == "" {
		return
	}
	if sdPrivatePath == "" || sdSavePath == "" {
		fmt.Fprintln(os.Stderr, "--sd-private and --sd-save must be given together")
		os.Exit(2)
	}

	private := mustReadFile(sdPrivatePath, "SD private file")
	save := mustReadFile(sdSavePath, "SD system save")
	if err := store.LoadSDSeed(private, save); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: SD seed: %v\n", err)
	}
}

var keysDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every named key as key-file assignments",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		newEncoder().Encode(openStore().Export())
	},
}
