package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/synacktraa/cillow/pkg/client"
	"github.com/synacktraa/cillow/pkg/protocol"
	"github.com/synacktraa/cillow/pkg/types"
)

// Thin operator-facing client commands. The real consumers of the broker
// are programmatic clients; these exist for poking at a running instance.

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "tcp://127.0.0.1:5556", "Broker endpoint")
	cmd.Flags().StringP("env", "e", string(types.SystemEnv), "Target environment")
}

func connectFromFlags(cmd *cobra.Command) (*client.Client, types.Environment, error) {
	addr, _ := cmd.Flags().GetString("addr")
	env, _ := cmd.Flags().GetString("env")
	c, err := client.Connect(context.Background(), addr)
	if err != nil {
		return nil, "", err
	}
	return c, types.Environment(env), nil
}

// drainStream renders a response stream for the terminal: stdout and
// installer chunks to stdout, stderr to stderr, artifacts to files. It
// returns an error when the stream terminated with an exception.
func drainStream(stream *client.Stream) error {
	frames, err := stream.Collect()
	if err != nil {
		return err
	}
	for _, f := range frames {
		switch f.Kind {
		case protocol.FrameStream:
			if f.Stream.Kind == protocol.StreamStderr {
				fmt.Fprint(os.Stderr, f.Stream.Text)
			} else {
				fmt.Print(f.Stream.Text)
			}
		case protocol.FrameByteStream:
			name := fmt.Sprintf("%s-%s.png", f.Bytes.Kind, f.Bytes.ID)
			if err := os.WriteFile(name, f.Bytes.Bytes, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "could not save artifact: %v\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "saved %s (%d bytes)\n", name, len(f.Bytes.Bytes))
		case protocol.FrameResult:
			if f.Result.Value != nil {
				fmt.Printf("%v\n", f.Result.Value)
			}
		case protocol.FrameException:
			if f.Exception.Traceback != "" {
				fmt.Fprint(os.Stderr, f.Exception.Traceback)
			}
			return fmt.Errorf("%s", f.Exception.Error())
		}
	}
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a source file (or stdin) through the broker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var source []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			source, err = io.ReadAll(os.Stdin)
		} else {
			source, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}

		c, env, err := connectFromFlags(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		stream, err := c.RunCode(env, string(source))
		if err != nil {
			return err
		}
		return drainStream(stream)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run a shell command inside a worker",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		argv, err := shellquote.Split(strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("parse command: %w", err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("empty command")
		}

		c, env, err := connectFromFlags(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		stream, err := c.RunCommand(env, argv)
		if err != nil {
			return err
		}
		return drainStream(stream)
	},
}

var installCmd = &cobra.Command{
	Use:   "install <name>...",
	Short: "Install packages into a worker's environment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, env, err := connectFromFlags(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		stream, err := c.InstallRequirements(env, args)
		if err != nil {
			return err
		}
		return drainStream(stream)
	},
}

func init() {
	addClientFlags(runCmd)
	addClientFlags(execCmd)
	addClientFlags(installCmd)
}
