// The main package for the harvester executable.
package main

import (
	"github.com/joho/godotenv"

	"github.com/bizscout/harvester/cmd"
)

// main defers all execution to the Cobra CLI, loading a local .env first
// when one exists.
func main() {
	_ = godotenv.Load()
	cmd.Execute()
}
