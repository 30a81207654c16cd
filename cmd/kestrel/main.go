package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/butter-bot-machines/kestrel/pkg/cmd"
)

func main() {
	cli := cmd.NewCLI()
	if err := cli.Run(os.Args[1:]); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
