package main

import (
	"os"

	"github.com/GPTx-global/inferd/oracle/log"
)

func main() {
	rootCmd := NewRootCmd()
	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		os.Exit(1)
	}
}
