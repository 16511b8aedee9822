package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"sensoralert/internal/app"
	"sensoralert/internal/clock"
	"sensoralert/internal/config"
)

// main starts the sensor alert service.
// Params: --config-file or --config-dir flag.
// Returns: exit code 2 on bad flags, 1 on init or run failure.
func main() {
	var (
		configFile = flag.String("config-file", "", "TOML config file")
		configDir  = flag.String("config-dir", "", "directory of TOML config fragments merged in name order")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sensoralert: init:", err.Error())
		os.Exit(1)
	}
	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sensoralert: run:", err.Error())
		os.Exit(1)
	}
}
