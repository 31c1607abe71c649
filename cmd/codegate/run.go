package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/executor"
	"github.com/jkaninda/codegate/internal/security"
)

var (
	runTimeoutMS int
	runReadonly  bool
	runClientID  string
	runParallel  int

	bindingsReadonly bool
)

var runCmd = &cobra.Command{
	Use:   "run <file|->...",
	Short: "Execute one or more scripts and print their results as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScripts,
}

var validateCmd = &cobra.Command{
	Use:   "validate <file|->",
	Short: "Screen a script without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var bindingsCmd = &cobra.Command{
	Use:   "bindings",
	Short: "Print the binding groups and methods scripts can call",
	Args:  cobra.NoArgs,
	RunE:  runBindings,
}

func init() {
	runCmd.Flags().IntVar(&runTimeoutMS, "timeout", 0, "execution timeout in milliseconds (0 = configured default)")
	runCmd.Flags().BoolVar(&runReadonly, "readonly", false, "hide write operations from the script")
	runCmd.Flags().StringVar(&runClientID, "client", "cli", "client id used for rate limiting and audit")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "maximum scripts executed at once")
	bindingsCmd.Flags().BoolVar(&bindingsReadonly, "readonly", false, "show the readonly view")
}

// scriptResult pairs a script source with its result.
type scriptResult struct {
	Source string        `json:"source"`
	Result domain.Result `json:"result"`
}

func runScripts(_ *cobra.Command, args []string) error {
	sources := make([]string, len(args))
	for i, arg := range args {
		code, err := readSource(arg)
		if err != nil {
			return err
		}
		sources[i] = code
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	results := make([]scriptResult, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(runParallel, 1))
	for i := range args {
		g.Go(func() error {
			results[i] = scriptResult{
				Source: args[i],
				Result: sc.Executor.Execute(gctx, domain.ExecutionRequest{
					Code:      sources[i],
					TimeoutMS: runTimeoutMS,
					Readonly:  runReadonly,
					ClientID:  runClientID,
				}),
			}
			return nil
		})
	}
	_ = g.Wait()

	var out any = results
	if len(results) == 1 {
		out = results[0].Result
	}
	if err := printJSON(out); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Result.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, len(results))
	}
	return nil
}

func runValidate(_ *cobra.Command, args []string) error {
	code, err := readSource(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr := security.NewManager(security.Config{MaxCodeLength: cfg.Security.CodeLimit()}, newLogger(cfg))
	defer mgr.Close()

	v := mgr.ValidateCode(code)
	if err := printJSON(v); err != nil {
		return err
	}
	if !v.Valid {
		return errors.New("script rejected")
	}
	return nil
}

func runBindings(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := &SharedComponents{Config: cfg, Logger: newLogger(cfg)}
	defer sc.Cleanup()
	if err := initCatalog(sc); err != nil {
		return err
	}

	catalog := executor.New(executor.Options{Bindings: sc.Bindings, Logger: sc.Logger}).Bindings(bindingsReadonly)
	catalog.Mode = cfg.Sandbox.BackendMode()
	return printJSON(catalog)
}

// readSource reads a script from a file, or from stdin when arg is "-".
func readSource(arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("reading script %s: %w", arg, err)
	}
	return string(data), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
