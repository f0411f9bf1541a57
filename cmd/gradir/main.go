// Package main provides the gradir CLI: parse an IR module, run the
// differentiation transform over it, and print the result.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/gradir/diff"
	"github.com/born-ml/gradir/ir"
)

const version = "v0.1.0-dev"

// requestFile is the YAML shape of a --requests file.
type requestFile struct {
	Forward  bool      `yaml:"forward"`
	Requests []request `yaml:"requests"`
}

type request struct {
	Function string `yaml:"function"`
	Wrt      []int  `yaml:"wrt"`
	Result   int    `yaml:"result"`
}

func main() {
	root := &cobra.Command{
		Use:           "gradir",
		Short:         "Automatic differentiation for SSA IR modules",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(printCmd(), differentiateCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gradir:", err)
		os.Exit(1)
	}
}

func printCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print <module.gir>",
		Short: "Parse a module and print its canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := loadModule(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ir.Print(mod))
			return nil
		},
	}
}

func differentiateCmd() *cobra.Command {
	var (
		reqPath string
		fnName  string
		wrt     []int
		result  int
		forward bool
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "differentiate <module.gir>",
		Short: "Run the differentiation transform and print the module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := loadModule(args[0])
			if err != nil {
				return err
			}
			rf, err := buildRequests(reqPath, fnName, wrt, result, forward)
			if err != nil {
				return err
			}

			var diags diff.Collector
			ctx := diff.NewContext(mod, ir.NewStdOracle(), &diags, diff.Config{ForwardMode: rf.Forward})
			for _, r := range rf.Requests {
				fn := mod.Func(r.Function)
				if fn == nil {
					return fmt.Errorf("no function named %q", r.Function)
				}
				cfg := ir.DiffConfig{Params: ir.Indices(r.Wrt...), Result: r.Result}
				if _, err := ctx.Request(fn, cfg); err != nil {
					return reportDiags(cmd, &diags, err)
				}
			}
			if !ctx.Run() {
				return reportDiags(cmd, &diags, fmt.Errorf("differentiation failed"))
			}

			out := ir.Print(mod)
			if outPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			}
			return os.WriteFile(outPath, []byte(out), 0o644)
		},
	}
	cmd.Flags().StringVar(&reqPath, "requests", "", "YAML file of differentiation requests")
	cmd.Flags().StringVar(&fnName, "fn", "", "function to differentiate")
	cmd.Flags().IntSliceVar(&wrt, "wrt", nil, "parameter indices to differentiate with respect to")
	cmd.Flags().IntVar(&result, "result", 0, "result index to differentiate")
	cmd.Flags().BoolVar(&forward, "forward", false, "emit real forward-mode differentials instead of stubs")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the transformed module to a file")
	return cmd
}

func loadModule(path string) (*ir.Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := ir.Parse(string(src), ir.NewStdOracle())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mod, nil
}

func buildRequests(reqPath, fnName string, wrt []int, result int, forward bool) (*requestFile, error) {
	if reqPath != "" {
		data, err := os.ReadFile(reqPath)
		if err != nil {
			return nil, err
		}
		var rf requestFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("%s: %w", reqPath, err)
		}
		if len(rf.Requests) == 0 {
			return nil, fmt.Errorf("%s: no requests", reqPath)
		}
		return &rf, nil
	}
	if fnName == "" {
		return nil, fmt.Errorf("either --requests or --fn is required")
	}
	return &requestFile{
		Forward:  forward,
		Requests: []request{{Function: fnName, Wrt: wrt, Result: result}},
	}, nil
}

func reportDiags(cmd *cobra.Command, diags *diff.Collector, err error) error {
	for _, d := range diags.All {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s: %s", d.Loc, d.Kind)
		for _, a := range d.Args {
			fmt.Fprintf(&sb, ": %v", a)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), sb.String())
		for _, n := range d.Notes {
			fmt.Fprintf(cmd.ErrOrStderr(), "  note: %s\n", n.Loc)
		}
	}
	return err
}
