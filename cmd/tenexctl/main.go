// Package main is the entry point for tenexctl, the operator CLI for a
// running TENEX kernel. Commands go over the event bus's admin channel, so
// tenexctl works anywhere the kernel's NATS is reachable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/events/bus"
)

const usage = `Usage: tenexctl [flags] <command> [args]

Commands:
  health                      kernel health
  queue                       execute queue status
  force-release [id] [reason] force release the execute lock
  remove <conversation-id>    remove a conversation from the execute queue
  conversations               list conversations

Flags:
`

func main() {
	natsURL := flag.String("nats", os.Getenv("TENEX_NATS_URL"), "NATS server URL")
	projectID := flag.String("project", os.Getenv("TENEX_PROJECT_ID"), "project id")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *projectID == "" {
		fmt.Fprintln(os.Stderr, "tenexctl: project id required (-project or TENEX_PROJECT_ID)")
		os.Exit(2)
	}
	if *natsURL == "" {
		fmt.Fprintln(os.Stderr, "tenexctl: NATS URL required (-nats or TENEX_NATS_URL)")
		os.Exit(2)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenexctl: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	eventBus, err := bus.NewNATSBus(config.NATSConfig{URL: *natsURL, ClientID: "tenexctl", MaxReconnects: 3}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenexctl: failed to connect to NATS: %v\n", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	req := map[string]string{}
	switch flag.Arg(0) {
	case "health":
		req["action"] = "health"
	case "queue":
		req["action"] = "queue_status"
	case "force-release":
		req["action"] = "force_release"
		if flag.NArg() > 1 {
			req["conversation_id"] = flag.Arg(1)
		}
		if flag.NArg() > 2 {
			req["reason"] = flag.Arg(2)
		}
	case "remove":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "tenexctl: remove requires a conversation id")
			os.Exit(2)
		}
		req["action"] = "remove"
		req["conversation_id"] = flag.Arg(1)
	case "conversations":
		req["action"] = "conversations"
	default:
		fmt.Fprintf(os.Stderr, "tenexctl: unknown command %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	payload, _ := json.Marshal(req)
	ev := bus.NewEvent(bus.KindStatus, "tenexctl", string(payload), nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	reply, err := eventBus.Request(ctx, bus.AdminQueueSubject(*projectID), ev, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenexctl: request failed: %v\n", err)
		os.Exit(1)
	}

	// Pretty-print the JSON reply.
	var pretty any
	if err := json.Unmarshal([]byte(reply.Content), &pretty); err != nil {
		fmt.Println(reply.Content)
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
