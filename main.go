// Command apiserver runs the OSM 0.6 changeset upload API server.
package main

import (
	"log"

	"mapedit.dev/apiserver/cmd/apiserver"
)

func main() {
	if err := apiserver.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
