// Command tpmeta is a thin front end over the metadata core: it wires
// cobra/viper flag handling and the report.CLI logger to the
// generator and damage collaborators so they can be driven from a
// terminal without a caller writing any Go.
package main

import (
	"os"
)

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
