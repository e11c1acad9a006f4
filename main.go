// The main package for the lyricsdb executable.
package main

import (
	"context"
	"os"

	"github.com/JakeFAU/lyricsdb/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background(), os.Args[1:]))
}
