package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tributary-ai/model-orchestrator/internal/config"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

var version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Capability-based model routing with health-driven fallback",
		Long: `The model orchestrator routes tasks to the best registered model by
capability, requirements and live health, and falls back to the next best
candidate when the first one is unavailable or fails.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML configuration file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(routeCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the health loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(cmd.Context(), configFile)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tCAPABILITIES\tCOST\tCAPACITY\tLATENCY\tRELIABILITY\tAVAILABLE")
			for _, m := range cfg.BuildModels() {
				info := m.Info()
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%d\t%dms\t%.2f\t%t\n",
					info.ID, info.Provider, strings.Join(info.Capabilities, ","),
					info.CostPerUnit, info.MaxCapacity, info.AverageLatency,
					info.Reliability, info.Available)
			}
			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	var dumpPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d models, providers %v\n",
				len(cfg.Models), cfg.EnabledProviders())

			if dumpPath != "" {
				if err := cfg.SaveToFile(dumpPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Effective configuration written to %s\n", dumpPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dumpPath, "dump", "", "write the effective configuration to this path")
	return cmd
}

func routeCmd() *cobra.Command {
	var (
		taskType     string
		clearance    string
		noFallback   bool
		requirements []float64
		requestFile  string
	)

	cmd := &cobra.Command{
		Use:   "route [payload]",
		Short: "Route a single task in-process and print the result",
		Long: `Routes one task without starting the HTTP server. The payload is taken
from the argument, or read from stdin when the argument is "-". With --file the
whole request body is read as JSON in the same shape POST /route accepts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRouteRequest(cmd.InOrStdin(), args, requestFile, taskType, clearance, noFallback, requirements)
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			logger := logrus.New()
			if err := setupLogger(logger, cfg.Logging); err != nil {
				return err
			}
			logger.SetOutput(cmd.ErrOrStderr())

			app, err := newApplication(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			task := req.ToTaskRequest(uuid.NewString())
			result, routeErr := app.service.Route(cmd.Context(), &task)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if routeErr != nil {
				resp := types.ErrorResponse{
					Error:     types.KindOf(routeErr),
					Message:   routeErr.Error(),
					RequestID: task.ID,
				}
				var re *types.RoutingError
				if errors.As(routeErr, &re) {
					resp.Attempts = re.Attempts
				}
				_ = enc.Encode(resp)
				return routeErr
			}
			return enc.Encode(types.NewRouteResponse(result))
		},
	}

	cmd.Flags().StringVarP(&taskType, "task", "t", "", "task type, e.g. medical or code")
	cmd.Flags().StringVar(&clearance, "clearance", "", "caller role or clearance")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "fail instead of trying a second model")
	cmd.Flags().Float64SliceVar(&requirements, "requirements", nil, "accuracy,speed,cost weights in [0,1]")
	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "read the full request body from this JSON file")
	return cmd
}

func buildRouteRequest(stdin io.Reader, args []string, file, taskType, clearance string, noFallback bool, reqs []float64) (*types.RouteRequest, error) {
	req := &types.RouteRequest{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("invalid request file: %w", err)
		}
	}

	if len(args) == 1 {
		raw := []byte(args[0])
		if args[0] == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("failed to read stdin: %w", err)
			}
			raw = data
		}
		req.Payload = payloadJSON(raw)
	}

	if taskType != "" {
		req.TaskType = taskType
	}
	if clearance != "" {
		req.RoleOrClearance = clearance
	}
	if noFallback {
		allow := false
		req.AllowFallback = &allow
	}
	if len(reqs) > 0 {
		if len(reqs) != 3 {
			return nil, fmt.Errorf("--requirements takes exactly three values, got %d", len(reqs))
		}
		req.Requirements = &types.Requirements{Accuracy: &reqs[0], Speed: &reqs[1], Cost: &reqs[2]}
	}

	if req.TaskType == "" {
		return nil, fmt.Errorf("a task type is required (--task or \"taskType\" in --file)")
	}
	return req, nil
}

// payloadJSON keeps valid JSON as is and wraps anything else as a JSON string
func payloadJSON(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}
