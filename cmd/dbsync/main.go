// Package main is the entry point for the dbsync server.
package main

import (
	"os"

	"github.com/berqenas/dbsync/cmd/dbsync/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
