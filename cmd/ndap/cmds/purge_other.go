//go:build !linux

package cmds

func purgeStdin() {}
