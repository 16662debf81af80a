package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jacksonlee411/dirsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "dirsync:", err)
		os.Exit(cli.ExitCode(err))
	}
}
