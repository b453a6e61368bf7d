// automation-worker is the worker process spawned by automationd. It speaks
// newline-delimited JSON on stdin/stdout and runs the built-in handler set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
	"github.com/nebojsa-prodana/automation-client/internal/runner"
)

func main() {
	level := os.Getenv("AUTOMATION_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	// stdout is the protocol channel to the coordinator; all logging goes
	// to stderr, which the pool mirrors into its own log.
	log.SetupTo(os.Stderr, level)
	logger := log.WithComponent("worker-main")

	workerID := os.Getenv("AUTOMATION_WORKER_ID")
	logger.Info("worker starting", "worker_id", workerID, "pid", os.Getpid())

	reg := runner.NewRegistry()
	r := runner.New(reg, os.Stdin, os.Stdout)
	registerBuiltins(reg, r)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := r.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker exiting", "worker_id", workerID)
}

// registerBuiltins installs the stock handlers. Deployments extend this
// set by building their own worker binary around the runner package.
func registerBuiltins(reg *runner.Registry, r *runner.Runner) {
	reg.RegisterCommand("echo", func(_ context.Context, inv runner.Invocation) (protocol.HandlerResult, error) {
		return protocol.HandlerResult{Code: 0, Message: "echo", Data: inv.Args}, nil
	})

	reg.RegisterCommand("sleep", func(ctx context.Context, inv runner.Invocation) (protocol.HandlerResult, error) {
		var args struct {
			Millis int `json:"millis"`
		}
		if len(inv.Args) > 0 {
			if err := json.Unmarshal(inv.Args, &args); err != nil {
				return protocol.HandlerResult{}, fmt.Errorf("parse sleep args: %w", err)
			}
		}
		select {
		case <-time.After(time.Duration(args.Millis) * time.Millisecond):
			return protocol.HandlerResult{Code: 0, Message: "slept"}, nil
		case <-ctx.Done():
			return protocol.HandlerResult{}, ctx.Err()
		}
	})

	reg.RegisterCommand("fail", func(_ context.Context, inv runner.Invocation) (protocol.HandlerResult, error) {
		var args struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		args.Code = 1
		if len(inv.Args) > 0 {
			_ = json.Unmarshal(inv.Args, &args)
		}
		return protocol.HandlerResult{Code: args.Code, Message: args.Message}, nil
	})

	reg.RegisterCommand("shutdown", func(_ context.Context, inv runner.Invocation) (protocol.HandlerResult, error) {
		var args struct {
			Code int `json:"code"`
		}
		if len(inv.Args) > 0 {
			_ = json.Unmarshal(inv.Args, &args)
		}
		r.RequestShutdown(args.Code)
		return protocol.HandlerResult{Code: 0, Message: "shutdown requested"}, nil
	})

	reg.Subscribe("heartbeat", func(_ context.Context, inv runner.Invocation) (protocol.HandlerResult, error) {
		inv.Status(map[string]any{"alive": true, "at": time.Now().UTC()})
		return protocol.HandlerResult{Code: 0, Message: "pong"}, nil
	})
}
