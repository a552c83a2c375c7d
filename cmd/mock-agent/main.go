// Package main implements a mock model server speaking the OpenAI-compatible
// streaming chat protocol. It generates simulated agent and routing responses
// for rapid kernel development and e2e tests, without a real model provider.
//
// Point the kernel at it with llm.baseUrl: http://localhost:4000/v1.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/tenex/tenex/internal/common/logger"
)

func main() {
	addr := flag.String("addr", ":4000", "listen address")
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("mock model server listening on " + *addr)
	if err := router().Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

func router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/v1/chat/completions", handleChat)
	return r
}
