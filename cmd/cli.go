package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respwire/client"
	"github.com/luma/respwire/internal/env"
)

const (
	historyFileEnv     = "RESPWIRE_HISTFILE"
	historyFileDefault = ".respwire_history"
)

var (
	cliHost     string
	cliPort     int
	rawOutput   bool
	noRawOutput bool
)

func init() {
	flags := CliCmd.Flags()

	// Everything after the command name belongs to the command
	flags.SetInterspersed(false)

	flags.StringVarP(&cliHost, "host", "h", "127.0.0.1", "Server hostname, overrides RESPWIRE_HOST")
	flags.IntVarP(&cliPort, "port", "p", 6379, "Server port, overrides RESPWIRE_PORT")
	flags.BoolVar(&rawOutput, "raw", false, "Use raw formatting for replies (default when stdout is not a tty)")
	flags.BoolVar(&noRawOutput, "no-raw", false, "Force formatted output of replies even when stdout is not a tty")
}

var CliCmd = &cobra.Command{
	Use:   "cli [flags] [command [arg...]]",
	Short: "Send commands to a RESP server",
	Long: `Send commands to a RESP server

With a command, it is sent and its reply printed. Without one, commands are
read from an interactive prompt until quit, exit or Ctrl-D.

Usage
	respwire cli -p 6380 SET greeting "hello world"
	respwire cli -h 10.0.0.7

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("host") {
			conf.Host = cliHost
		}

		if cmd.Flags().Changed("port") {
			conf.Port = cliPort
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		conn := client.New(client.Options{
			Addr:         conf.Addr(),
			ReadTimeout:  conf.ReadTimeout,
			WriteTimeout: conf.WriteTimeout,
			DialTimeout:  conf.DialTimeout,
			MaxReplySize: conf.MaxReplySize,
			Log:          log.Named("client"),
		})

		if err := conn.Connect(ctx, ""); err != nil {
			return err
		}

		defer func() {
			if err := conn.Close(); err != nil {
				log.Warn("Failed to close connection", zap.Error(err))
			}
		}()

		raw := !isTerminal(os.Stdout)
		if rawOutput {
			raw = true
		}
		if noRawOutput {
			raw = false
		}

		out := cmd.OutOrStdout()

		if len(args) > 0 {
			return runOnce(ctx, conn, out, args, raw)
		}

		return repl(ctx, conn, out, conf.Addr(), raw)
	},
}

func runOnce(ctx context.Context, conn *client.Conn, out io.Writer, args []string, raw bool) error {
	v, err := conn.Do(ctx, args...)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(out, formatReply(v, raw))
	return err
}

func repl(ctx context.Context, conn *client.Conn, out io.Writer, addr string, raw bool) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	var historyFile string
	if isTerminal(os.Stdin) {
		historyFile = historyPath()
	}

	if historyFile != "" {
		loadHistory(line, historyFile)
		defer saveHistory(line, historyFile)
	}

	prompt := addr + "> "

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		args, err := splitArgs(input)
		if err != nil {
			fmt.Fprintln(out, "Invalid argument(s)")
			line.AppendHistory(input)
			continue
		}

		if len(args) == 0 {
			continue
		}

		line.AppendHistory(input)

		switch {
		case strings.EqualFold(args[0], "quit"), strings.EqualFold(args[0], "exit"):
			return nil

		case len(args) == 1 && strings.EqualFold(args[0], "clear"):
			fmt.Fprint(out, "\x1b[H\x1b[2J")
			continue
		}

		v, err := conn.Do(ctx, args...)
		if errors.Is(err, client.ErrClosed) {
			// An earlier failure closed the connection, try again on a new one
			if err = conn.Connect(ctx, addr); err == nil {
				v, err = conn.Do(ctx, args...)
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			fmt.Fprintf(out, "(error) %v\n", err)
			continue
		}

		fmt.Fprint(out, formatReply(v, raw))
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// historyPath is $RESPWIRE_HISTFILE, or ~/.respwire_history when that is not
// set. Setting it to /dev/null disables history.
func historyPath() string {
	if path := os.Getenv(historyFileEnv); path != "" {
		if path == os.DevNull {
			return ""
		}
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, historyFileDefault)
}

func loadHistory(line *liner.State, path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = line.ReadHistory(f)
}

func saveHistory(line *liner.State, path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = line.WriteHistory(f)
}
