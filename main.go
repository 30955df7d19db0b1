package main

import (
	"errors"
	"os"
)

// exitRestartRequired is EX_TEMPFAIL from sysexits.h. serve exits with it
// after a restore finishes so a Restart=on-failure unit brings it back.
const exitRestartRequired = 75

// errRestartRequired stops serve once a restore has replaced the database
// underneath it.
var errRestartRequired = errors.New("restore finished, restart required")

func main() {
	os.Exit(exitCode(newRootCmd().Execute()))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errRestartRequired):
		return exitRestartRequired
	default:
		return 1
	}
}
