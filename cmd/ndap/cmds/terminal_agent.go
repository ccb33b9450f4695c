package cmds

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"
)

func newTerminalAgentCommand() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:    "terminal-agent --connect addr",
		Short:  "Reports the terminal it runs in to the adapter.",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			// ^C in the terminal is meant for the debuggee
			signal.Ignore(sys.SIGINT)
			name, err := ttyName(os.Stdin)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			if err := terminalAgent(address, name); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&address, "connect", "", "Address of the adapter.")
	return cmd
}

// terminalAgent sends the terminal name to the adapter listening at
// address, then keeps the terminal open until the adapter closes the
// connection.
func terminalAgent(address, tty string) error {
	if address == "" {
		return errNoAddress
	}
	conn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "%s\n", tty); err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, conn)
	return err
}
