package main

import (
	"fmt"
	"os"

	"github.com/gallerydl/gdlsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gdlsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
