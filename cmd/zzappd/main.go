package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/P-443/zzapp/internal/daemon"
	"github.com/P-443/zzapp/internal/paths"
)

func main() {
	dataFlag := flag.String("data", "", "data directory (default ~/.zzapp)")
	configFlag := flag.String("config", "", "config file path (default <data>/config.toml)")
	flag.Parse()

	layout := paths.Default()
	if *dataFlag != "" {
		layout = paths.Layout{Root: *dataFlag}
	}
	if err := layout.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Layout: layout, ConfigPath: *configFlag}),
	)

	app.Run()
}
