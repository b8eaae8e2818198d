/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/secureshare/secureshare/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(os.Stdout).ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
