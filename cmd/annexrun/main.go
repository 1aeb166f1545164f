// Command annexrun is a thin demonstration harness over the proc and
// batch packages: enough of a CLI to exercise a one-shot capture run
// or a batched session from the shell, nothing more. Argument parsing
// and command dispatch stay external collaborators in the larger tool
// this core underpins; this binary exists to make the core runnable.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/datalad-go/procrunner/batch"
	"github.com/datalad-go/procrunner/internal/plog"
	"github.com/datalad-go/procrunner/proc"
	"github.com/datalad-go/procrunner/procenv"
	"github.com/datalad-go/procrunner/protocols"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "annexrun",
		Short:         "run a child process through the procrunner core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newBatchCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		timeout   time.Duration
		forceUTF8 bool
	)
	cmd := &cobra.Command{
		Use:   "run -- <argv...>",
		Short: "run one child to completion, capturing stdout/stderr",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := plog.New(os.Stderr)
			env := procenv.BuildFromCurrent(procenv.Spec{ForceUTF8: forceUTF8})

			opts := proc.Options{
				Argv:           args,
				Env:            env,
				Stdin:          proc.ModeSuppress,
				Stdout:         proc.ModePipe,
				Stderr:         proc.ModePipe,
				ProcessTimeout: timeout,
				Tag:            "annexrun",
			}
			capture := &protocols.Capture{}
			coord := proc.NewCoordinator(opts, capture, logger)

			result, err := coord.Run(context.Background())
			if err != nil {
				return err
			}
			res := result.(*protocols.CaptureResult)
			os.Stdout.Write(res.Stdout)
			os.Stderr.Write(res.Stderr)
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "whole-process inactivity timeout (0 disables)")
	cmd.Flags().BoolVar(&forceUTF8, "force-utf8", false, "force a UTF-8 locale in the child's environment")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		decoderName string
		fixedN      int
	)
	cmd := &cobra.Command{
		Use:   "batch -- <argv...>",
		Short: "open a batched session and relay stdin lines as commands",
		Long: "Reads lines from this process's own stdin, one command per line, " +
			"submits each to a batched session wrapping <argv...>, and prints the " +
			"decoded response lines to stdout.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var decoder batch.Decoder
			switch decoderName {
			case "sentinel":
				decoder = batch.Sentinel()
			case "fixed":
				decoder = batch.FixedCount(fixedN)
			default:
				return fmt.Errorf("unknown decoder %q (want sentinel or fixed)", decoderName)
			}

			logger := plog.New(os.Stderr)
			session := batch.NewSession(batch.Config{
				Argv:    args,
				Env:     procenv.BuildFromCurrent(procenv.Spec{}),
				Decoder: decoder,
				Logger:  logger,
			})
			defer session.Close(context.Background())

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				responses, err := session.Submit(context.Background(), []string{line + "\n"})
				if err != nil {
					return err
				}
				for _, resp := range responses {
					fmt.Println(strings.Join(resp, "\n"))
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&decoderName, "decoder", "sentinel", "response framing: sentinel or fixed")
	cmd.Flags().IntVar(&fixedN, "fixed-count", 1, "line count per response when --decoder=fixed")
	return cmd
}
