package main

import (
	"errors"
	"os"

	"github.com/mensylisir/fleetctl/cmd/fleetctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exit *cmd.ExitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
