package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/gdbserial"
	"github.com/go-delve/ndap/pkg/logflags"
	"github.com/go-delve/ndap/pkg/version"
	"github.com/go-delve/ndap/service"
	"github.com/go-delve/ndap/service/dap"
	"github.com/go-delve/ndap/service/dap/protocol"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// port is the TCP port the adapter listens on, 0 serves stdio.
	port int
	// multiSession keeps the server accepting clients after the first
	// session ends.
	multiSession bool
	// connect is the address of a client to connect to.
	connect string
	// authToken is sent to the client when connecting.
	authToken string
	// settingsJSON are the initial adapter settings.
	settingsJSON string
	// backend selection
	backend     string
	backendPath string
	// configPath overrides the location of the configuration file.
	configPath string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const ndapCommandLongDesc = `ndap is a debug adapter for native programs.

It speaks the Debug Adapter Protocol on its standard input and output, on a
TCP port (--port) or over a connection to the client (--connect), and drives
the debuggee through lldb-server, gdbserver or rr.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "ndap",
		Short: "ndap is a debug adapter for native programs.",
		Long:  ndapCommandLongDesc,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(serveCmd())
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable adapter logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'ndap help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ndap help log').")

	rootCommand.Flags().IntVar(&port, "port", 0, "Serve on a TCP port instead of stdio.")
	rootCommand.Flags().BoolVar(&multiSession, "multi-session", false, "Keep accepting clients after the first session ends (with --port).")
	rootCommand.Flags().StringVar(&connect, "connect", "", "Connect to a client listening at host:port instead of serving stdio.")
	rootCommand.Flags().StringVar(&authToken, "auth-token", os.Getenv("CODELLDB_AUTH_TOKEN"), "Token sent to the client when connecting (default $CODELLDB_AUTH_TOKEN).")
	rootCommand.Flags().StringVar(&settingsJSON, "settings", "", "Initial adapter settings, as a JSON object.")
	rootCommand.Flags().Var((*backendValue)(&backend), "backend", `Backend selection (see 'ndap help backend').`)
	rootCommand.Flags().StringVar(&backendPath, "backend-path", "", "Path of the backend executable.")
	rootCommand.Flags().StringVar(&configPath, "config", "", "Path of the configuration file.")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ndap\n%s\n", version.AdapterVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(newLaunchCommand())
	rootCommand.AddCommand(newTerminalAgentCommand())

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which debug stub drives the debuggee,
possible values are:

	lldb-server	Uses lldb-server (the default).
	gdbserver	Uses gdbserver.
	rr		Replays a trace recorded by mozilla rr (https://github.com/mozilla/rr).

The executable is looked up in PATH unless --backend-path is given. Both
default to the values of the configuration file.
`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	dap		Log all DAP messages
	session		Log request handling (the default)
	engine		Log the debugging engine
	gdbwire		Log connection to the gdbserial backend
	lldbout		Copy output from the backend to standard output
	events		Log engine events
	expr		Log expression evaluation
	disasm		Log the disassembler
	all		All of the above, except lldbout

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message in --port
mode.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// backendValue is a --backend flag rejecting unknown backends while the
// command line is parsed.
type backendValue string

var _ pflag.Value = (*backendValue)(nil)

func (b *backendValue) String() string { return string(*b) }

func (b *backendValue) Set(s string) error {
	if _, err := gdbserial.ParseBackend(s); err != nil {
		return err
	}
	*b = backendValue(s)
	return nil
}

func (b *backendValue) Type() string { return "backend" }

func serveCmd() int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if port != 0 && connect != "" {
		fmt.Fprintln(os.Stderr, "--port and --connect are mutually exclusive")
		return 1
	}
	if multiSession && port == 0 {
		fmt.Fprintln(os.Stderr, "Warning: --multi-session ignored without --port")
	}
	adapter, err := adapterConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	switch {
	case port != 0:
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:           listener,
			AcceptMulti:        multiSession,
			CheckLocalConnUser: true,
			DisconnectChan:     disconnectChan,
		}, adapter)
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(ctx, disconnectChan)
	case connect != "":
		if err := dap.ConnectAndServe(ctx, connect, authToken, adapter); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	default:
		if err := dap.ServeStdio(ctx, adapter); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}
	return 0
}

// adapterConfig merges the configuration file, the command line and the
// environment into the configuration shared by all sessions.
func adapterConfig() (*dap.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if backend == "" {
		backend = conf.Backend
	}
	b, err := gdbserial.ParseBackend(backend)
	if err != nil {
		return nil, err
	}
	if backendPath == "" {
		backendPath = conf.BackendPath
	}
	engineConfig := gdbserial.Config{
		Backend:              b,
		Path:                 backendPath,
		DebugInfoDirectories: conf.DebugInfoDirectories,
	}

	var settings *protocol.AdapterSettings
	if settingsJSON != "" {
		settings = new(protocol.AdapterSettings)
		if err := json.Unmarshal([]byte(settingsJSON), settings); err != nil {
			return nil, fmt.Errorf("invalid --settings: %w", err)
		}
	}

	startup := append([]string(nil), conf.StartupCommands...)
	if cmd := os.Getenv("CODELLDB_STARTUP"); cmd != "" {
		startup = append(startup, cmd)
	}

	launcher, err := os.Executable()
	if err != nil {
		logflags.SessionLogger().Warnf("could not find the adapter executable: %v", err)
	}

	return &dap.Config{
		NewDebugger: func() (engine.Debugger, error) {
			return gdbserial.New(engineConfig), nil
		},
		File:            conf,
		Settings:        settings,
		LauncherPath:    launcher,
		StartupCommands: startup,
	}, nil
}

func waitForDisconnectSignal(ctx context.Context, disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-ctx.Done():
	case <-disconnectChan:
	}
}
