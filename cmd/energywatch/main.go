package main

import (
	"github.com/joho/godotenv"

	"energy-anomaly-alerts/internal/cli"
)

func main() {
	// Missing .env is fine; variables may come from the environment.
	_ = godotenv.Load()

	cli.Execute()
}
