// Command walbctl is the standalone control-surface tool of spec section 6:
// format/resize/reset/query operations against a walb device's persisted
// state. Grounded on the teacher's client/main.go: a thin main that hands
// os.Args straight to the cli package and translates its error into an
// exit code.
package main

import (
	"os"

	"github.com/mendersoftware/log"

	"github.com/walb-project/walb/cli"
)

func main() {
	if err := cli.SetupCLI(os.Args); err != nil {
		log.Errorln(err.Error())
		os.Exit(1)
	}
}
