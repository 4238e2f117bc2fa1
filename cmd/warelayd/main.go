package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mvbarbosa/warelay/internal/config"
	"github.com/mvbarbosa/warelay/internal/daemon"
	"go.uber.org/fx"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warelay.toml"
	}
	return filepath.Join(home, ".warelay", "warelay.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(cfg),
	)

	app.Run()
}
