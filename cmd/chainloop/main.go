package main

import (
	"fmt"
	"os"

	"ChainLoop/internal/app"
	"ChainLoop/internal/config"
)

func main() {
	cliApp := newApp(func(cfg *config.Config) error {
		return app.InitLogging(cfg.Logging, true)
	})
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chainloop: %v\n", err)
		os.Exit(1)
	}
}
