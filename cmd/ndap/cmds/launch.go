package cmds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// launchEnvironment is posted to the launch server of the client. It
// describes the command to debug and the terminal it runs in.
type launchEnvironment struct {
	Cmd        []string          `json:"cmd"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	TerminalID string            `json:"terminalId,omitempty"`
	Config     *string           `json:"config,omitempty"`
}

type launchResponse struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
}

var errNoAddress = errors.New("Need an address to connect to.")

const clearScreen = "\x1b[H\x1b[2J"

func newLaunchCommand() *cobra.Command {
	var (
		address     string
		debugConfig string
		clear       bool
	)
	launchCommand := &cobra.Command{
		Use:   "launch [--connect addr] [--config cfg] [--clear-screen] command [args...]",
		Short: "Starts a debug session for a command run from a terminal.",
		Long: `Asks the client to debug the command in the current terminal.

The launch request is sent to the address given by --connect, or by the
CODELLDB_LAUNCH_CONNECT environment variable. The optional debug
configuration comes from --config or CODELLDB_LAUNCH_CONFIG. The command
exits once the client has answered.`,
		Args: cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if address == "" {
				address = os.Getenv("CODELLDB_LAUNCH_CONNECT")
			}
			var cfg *string
			if debugConfig != "" {
				cfg = &debugConfig
			} else if v, ok := os.LookupEnv("CODELLDB_LAUNCH_CONFIG"); ok {
				cfg = &v
			}
			env, err := currentLaunchEnvironment(args, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			var screen io.Writer
			if clear && isatty.IsTerminal(os.Stdout.Fd()) {
				screen = os.Stdout
			}
			err = launch(address, env, screen)
			purgeStdin()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	launchCommand.Flags().StringVar(&address, "connect", "", "Address of the launch server (default $CODELLDB_LAUNCH_CONNECT).")
	launchCommand.Flags().StringVar(&debugConfig, "config", "", "Debug configuration (default $CODELLDB_LAUNCH_CONFIG).")
	launchCommand.Flags().BoolVar(&clear, "clear-screen", false, "Clear the terminal once the request is sent.")
	// everything after the command belongs to it
	launchCommand.Flags().SetInterspersed(false)
	return launchCommand
}

func currentLaunchEnvironment(cmd []string, cfg *string) (*launchEnvironment, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	if cmd == nil {
		cmd = []string{}
	}
	le := &launchEnvironment{Cmd: cmd, Cwd: cwd, Env: env, Config: cfg}
	if name, err := ttyName(os.Stdout); err == nil {
		le.TerminalID = name
	}
	return le, nil
}

// launch sends env to the launch server at address and waits for its
// answer. The screen, when not nil, is cleared once the request is sent.
func launch(address string, env *launchEnvironment, screen io.Writer) error {
	if address == "" {
		return errNoAddress
	}
	conn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(env); err != nil {
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return err
		}
	}
	if screen != nil {
		io.WriteString(screen, clearScreen)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	var resp launchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("invalid launch response: %w", err)
	}
	if resp.Success {
		return nil
	}
	if resp.Message != nil {
		return errors.New(*resp.Message)
	}
	return errors.New("Failed")
}

// ttyName returns the name of the terminal f is connected to.
func ttyName(f *os.File) (string, error) {
	if !isatty.IsTerminal(f.Fd()) {
		return "", fmt.Errorf("%s is not a terminal", f.Name())
	}
	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", f.Fd()))
}
