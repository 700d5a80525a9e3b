package main

import (
	"flag"
	"fmt"
	"os"

	infraconfig "github.com/jonesrussell/north-cloud/node-index/infrastructure/config"
	"github.com/jonesrussell/north-cloud/node-index/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", infraconfig.GetConfigPath("config.yml"), "path to the YAML configuration file")
	flag.Parse()

	if err := bootstrap.Start(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
