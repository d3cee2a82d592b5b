// File: cmd/version.go
package cmd

// Version is the application version.
// Set at build time with ldflags:
// go build -ldflags "-X github.com/quayside/rfdriver/cmd.Version=1.0.0"
var Version = "0.1"
