//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified.
var Default = Build

var ldflags = "-s -w -X github.com/JonMunkholm/trexsync/internal/cli.Version=" + version()

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	if v, err := sh.Output("git", "describe", "--tags", "--always", "--dirty"); err == nil {
		return v
	}
	return "dev"
}

// Build compiles the server and the CLI into bin/.
func Build() error {
	for _, name := range []string{"server", "trexsync"} {
		if err := sh.RunV("go", "build", "-ldflags", ldflags, "-o", "bin/"+name, "./cmd/"+name); err != nil {
			return fmt.Errorf("build %s: %w", name, err)
		}
	}
	return nil
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "-count=1", "./...")
}

// Vet runs go vet.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Check runs vet and tests.
func Check() {
	mg.SerialDeps(Vet, Test)
}

// Serve runs the HTTP server from source.
func Serve() error {
	return sh.RunV("go", "run", "./cmd/server")
}

// Clean removes build output.
func Clean() error {
	return sh.Rm("bin")
}
