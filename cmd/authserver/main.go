// Command authserver runs the OAuth 2.0 / OpenID Connect authorization server
// and manages its clients, users and signing keys.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
