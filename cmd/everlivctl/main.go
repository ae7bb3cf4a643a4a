// Command everlivctl is the EVERLIV operator tool: schema migrations, plan
// catalog checks and subscription maintenance.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
