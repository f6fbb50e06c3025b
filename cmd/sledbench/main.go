package main

import (
	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"
)

func main() {
	// An optional .env in the working directory seeds SLED_SERIAL and
	// SLED_SCOPE so bench machines don't need the flags every run.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
