// Package main is the chishiki CLI entry point.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// Provider API keys may live in a local .env file.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
