package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/falk/nxcontent/pkg/vfs"
)

var (
	processFlags pflag.FlagSet
	compact      = processFlags.BoolP("compact", "c", false, "disable pretty-printing of JSON output")
)

func newEncoder() *json.Encoder {
	encoder := json.NewEncoder(os.Stdout)
	if !*compact {
		encoder.SetIndent("", "  ")
	}
	encoder.SetEscapeHTML(false)
	return encoder
}

// openInput exposes a host file as a random-access vfs.File.
func openInput(path string) vfs.File {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	file := vfs.NewOSDir(dir).GetFile(name)
	if file == nil {
		fmt.Fprintf(os.Stderr, "Unable to open file: %s\n", path)
		os.Exit(2)
	}
	return file
}
