package main

import (
	"log"
	"os"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}
}
