package main

import (
	"context"
	"log"

	"github.com/dex-aot/cmd/dexaot/cmd"
	"github.com/dex-aot/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
	}
	defer shutdown(ctx)

	cmd.Execute()
}
