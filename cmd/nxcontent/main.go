package main

import (
	"github.com/falk/nxcontent/internal/cmd"
)

func main() {
	cmd.Execute()
}
