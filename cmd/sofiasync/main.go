// sofiasync is the offline-first client for the baby event log. Events are
// written to a local SQLite database first and reconciled with the remote
// document store in the background.
//
// Usage:
//
//	sofiasync init                           # interactive setup
//	sofiasync uninstall                      # remove the background service
//	sofiasync daemon [--config <path>]       # run passes on an interval and on remote changes
//	sofiasync sync-once [--config <path>]    # one full pass then exit
//	sofiasync add --type feeding --ml 120    # log an event
//	sofiasync edit <id> --note "left side"   # change an event
//	sofiasync delete <id>                    # delete an event everywhere
//	sofiasync list [--type sleep] [--last 2] # show events
//	sofiasync status                         # show sync health
//	sofiasync version                        # print version
package main

import (
	"log/slog"
	"os"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
