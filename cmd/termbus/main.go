package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"termbus/internal/relay"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, relay.ErrAddressInUse) {
			// A losing relay spawn exits quietly with a status its spawner
			// recognizes.
			os.Exit(relay.ExitAddressInUse)
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
