// Package main runs the pivot stream handler as an AWS Lambda function
// subscribed to the pivot table's DynamoDB stream.
//
// Each created, updated or deleted pivot row is published to an in-process
// bus; the listeners registered here log it. Deployments add their own
// listeners in register.
package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/relate/internal/config"
	"github.com/jacentio/relate/stream"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELATE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stderr)

	bus := stream.NewBus(logger)
	register(bus, logger)

	h := stream.NewHandler(bus, logger)
	lambda.Start(h.HandlePivotStream)
}
