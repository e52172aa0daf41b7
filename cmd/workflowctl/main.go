// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// workflowctl is a thin example CLI over the engine's caller-facing API:
// it loads a workflow topology document, binds echo nodes to every id it
// references, and validates or dry-runs the graph. Real embedders
// register their own nodes; this binary exists to demonstrate the wiring
// and to exercise the engine end to end from a shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/workflow-engine/pkg/node"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
	"github.com/tombee/workflow-engine/pkg/workflow"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newLogger(opts *rootOptions) (*slog.Logger, error) {
	var level slog.Level
	switch opts.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", opts.logLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch opts.logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.logFormat)
	}
	return slog.New(handler), nil
}

// setupTelemetry installs SDK meter and tracer providers so the engine's
// counters have a live pipeline to land in. Exporters are an embedder
// concern; the dry-run binary keeps the providers local.
func setupTelemetry() (shutdown func(context.Context) error) {
	meterProvider := sdkmetric.NewMeterProvider()
	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	return func(ctx context.Context) error {
		if err := meterProvider.Shutdown(ctx); err != nil {
			return err
		}
		return tracerProvider.Shutdown(ctx)
	}
}

// referencedNodeIDs collects every node id a topology document mentions,
// in first-mention order, except that the targets of one routing entry
// come from a map and so are added in no fixed order.
func referencedNodeIDs(file *workflow.DefinitionFile) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	add(file.Start)
	for _, conn := range file.Connections {
		add(conn.From)
		for _, to := range conn.To {
			add(to)
		}
	}
	for _, r := range file.Routing {
		add(r.Router)
		for _, target := range r.Branches {
			add(target)
		}
	}
	for _, p := range file.Parallel {
		add(p.From)
		for _, branch := range p.Branches {
			add(branch)
		}
		add(p.Join)
	}
	return ids
}

// echoRegistry binds a pass-through node to every referenced id. Router
// ids get a router that reads the branch label from event.route.
func echoRegistry(file *workflow.DefinitionFile) *node.Registry {
	routers := make(map[string]bool)
	for _, r := range file.Routing {
		routers[r.Router] = true
	}

	registry := node.NewRegistry()
	for _, id := range referencedNodeIDs(file) {
		id := id
		if routers[id] {
			registry.Register(node.RouterFunc{
				NodeID: node.ID(id),
				RouteFn: func(ctx context.Context, tc *taskcontext.TaskContext) (string, error) {
					event, err := taskcontext.GetEventAs[map[string]any](tc)
					if err != nil {
						return "", err
					}
					label, _ := event["route"].(string)
					return label, nil
				},
			})
			continue
		}
		registry.Register(node.Func{
			NodeID:   node.ID(id),
			NodeKind: node.KindPlain,
			Fn: func(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
				tc.RecordOutput(id, map[string]any{"visited": true})
				return tc, nil
			},
		})
	}
	return registry
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Parse and validate a workflow topology document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			file, err := workflow.ParseDefinitionFile(data)
			if err != nil {
				return err
			}
			if _, err := workflow.Load(file, echoRegistry(file)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %q is valid\n", file.Name)
			return nil
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		eventJSON   string
		timeout     time.Duration
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Dry-run a workflow topology with echo nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts)
			if err != nil {
				return err
			}

			shutdown := setupTelemetry()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			file, err := workflow.ParseDefinitionFile(data)
			if err != nil {
				return err
			}
			def, err := workflow.Load(file, echoRegistry(file))
			if err != nil {
				return err
			}

			var event map[string]any
			if eventJSON != "" {
				if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
					return fmt.Errorf("invalid --event payload: %w", err)
				}
			}

			executorOpts := []workflow.ExecutorOption{workflow.WithLogger(logger)}
			if timeout > 0 {
				executorOpts = append(executorOpts, workflow.WithTimeout(timeout))
			}
			if concurrency > 0 {
				executorOpts = append(executorOpts, workflow.WithParallelConcurrency(concurrency))
			}

			tc := taskcontext.New(def.Name, event)

			runCtx, span := otel.Tracer("workflowctl").Start(cmd.Context(), "workflow.run",
				trace.WithAttributes(
					attribute.String("workflow", def.Name),
					attribute.String("run_id", tc.RunID()),
				))
			result, runErr := workflow.NewExecutor(def, executorOpts...).Run(runCtx, tc)
			span.End()

			report := map[string]any{
				"run_id":   result.RunID(),
				"workflow": result.WorkflowName(),
				"outputs":  result.NodeOutputs(),
			}
			durations := make(map[string]string, len(result.Timings()))
			for key, timing := range result.Timings() {
				durations[key] = timing.Duration.String()
			}
			report["durations"] = durations

			encoded, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return runErr
		},
	}

	cmd.Flags().StringVar(&eventJSON, "event", "", "JSON event payload to start the run with")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run deadline (0 = none)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel fan-out limit (0 = unbounded)")
	return cmd
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "workflowctl",
		Short:        "Validate and dry-run workflow engine topologies",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		// Accept log_level as an alias for log-level, etc.
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(newValidateCommand(opts))
	root.AddCommand(newRunCommand(opts))
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
