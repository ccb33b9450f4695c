package cmds

import (
	"os"

	sys "golang.org/x/sys/unix"
)

// purgeStdin drops unread terminal input so that the shell does not read
// it once the launcher exits.
func purgeStdin() {
	_ = sys.IoctlSetInt(int(os.Stdin.Fd()), sys.TCFLSH, sys.TCIFLUSH)
}
