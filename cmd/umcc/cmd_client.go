package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/control"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/query"
)

// controlClient builds a control.Client against the running instance's
// socket, reading socket_path from config (falling back to --state-dir
// overrides the same way "up" does).
func controlClient() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Control.SocketPath), nil
}

// printOrQuery prints v as JSON, or as the result of applying --query
// (gojq syntax) to v when the flag is non-empty.
func printOrQuery(v any, queryExpr string) error {
	if queryExpr == "" {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}
	lines, err := query.Run(queryExpr, v)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "stop every managed process and shut down the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: %v\n", err)
				os.Exit(1)
			}
			resp, err := client.Send(control.Request{Cmd: "shutdown"})
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: down: %v\n", err)
				os.Exit(3)
			}
			if !resp.OK {
				fmt.Fprintf(os.Stderr, "umcc: down: %s\n", resp.Error)
				os.Exit(3)
			}
			fmt.Println("umcc: shutdown acknowledged")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var queryExpr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the status of every managed process and scheduled job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: %v\n", err)
				os.Exit(1)
			}
			resp, err := client.Send(control.Request{Cmd: "status"})
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: status: %v\n", err)
				os.Exit(1)
			}
			return printOrQuery(resp, queryExpr)
		},
	}
	cmd.Flags().StringVar(&queryExpr, "query", "", "gojq expression applied to the JSON output")
	cmd.Flags().Bool("json", true, "print JSON output (status always prints JSON)")
	return cmd
}

// withSpinner runs fn, showing a terminal spinner with label while it's in
// flight. On a non-interactive stdout (piped output, CI) it runs fn
// silently instead — no point animating a spinner nobody can see.
func withSpinner(label string, fn func() error) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + label
	s.Start()
	defer s.Stop()
	return fn()
}

// severityExitCode maps a verdict severity string to the exit code the
// external-interfaces contract assigns it: 0 pass, 1 warn, 2 violation,
// 3 dissolution. Jobs that produce no verdict (severity == "") exit 0.
func severityExitCode(severity string) int {
	switch severity {
	case "warn":
		return 1
	case "violation":
		return 2
	case "dissolution":
		return 3
	default:
		return 0
	}
}

func newRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once <job>",
		Short: "fire one scheduled job immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: %v\n", err)
				os.Exit(1)
			}
			var resp control.Response
			sendErr := withSpinner(fmt.Sprintf("running %s", args[0]), func() error {
				resp, err = client.Send(control.Request{Cmd: "run_once", Job: args[0]})
				return err
			})
			if sendErr != nil {
				fmt.Fprintf(os.Stderr, "umcc: run-once: %v\n", sendErr)
				os.Exit(1)
			}
			if !resp.OK {
				fmt.Fprintf(os.Stderr, "umcc: run-once: %s\n", resp.Error)
				os.Exit(1)
			}
			fmt.Printf("umcc: job %q completed, severity=%s\n", args[0], resp.Severity)
			os.Exit(severityExitCode(resp.Severity))
			return nil
		},
	}
}

func newAskCmd() *cobra.Command {
	var confirm bool
	var queryExpr string
	cmd := &cobra.Command{
		Use:   "ask <utterance>",
		Short: "resolve a natural-language command to an intent and print it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			utterance := args[0]
			for _, a := range args[1:] {
				utterance += " " + a
			}
			client, err := controlClient()
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: %v\n", err)
				os.Exit(1)
			}
			var resp control.Response
			sendErr := withSpinner("resolving intent", func() error {
				resp, err = client.Send(control.Request{Cmd: "ask", Utterance: utterance, Confirm: confirm})
				return err
			})
			if sendErr != nil {
				fmt.Fprintf(os.Stderr, "umcc: ask: %v\n", sendErr)
				os.Exit(1)
			}
			if err := printOrQuery(resp, queryExpr); err != nil {
				return err
			}
			if !resp.OK {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a dissolution-class operation")
	cmd.Flags().StringVar(&queryExpr, "query", "", "gojq expression applied to the JSON output")
	return cmd
}

func newTailAuditCmd() *cobra.Command {
	var fromSeq uint64
	var queryExpr string
	cmd := &cobra.Command{
		Use:   "tail-audit",
		Short: "print every audit event with seq greater than --from-seq",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: %v\n", err)
				os.Exit(1)
			}
			resp, err := client.Send(control.Request{Cmd: "tail_audit", FromSeq: fromSeq})
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: tail-audit: %v\n", err)
				os.Exit(1)
			}
			return printOrQuery(resp, queryExpr)
		},
	}
	cmd.Flags().Uint64Var(&fromSeq, "from-seq", 0, "only print events with seq greater than this")
	cmd.Flags().StringVar(&queryExpr, "query", "", "gojq expression applied to the JSON output")
	return cmd
}
