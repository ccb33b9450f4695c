//go:build linux

// Package sameuser checks that a loopback TCP connection comes from the
// user running the adapter.
package sameuser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-delve/ndap/pkg/logflags"
)

// for testing
var (
	uid      = os.Getuid()
	readFile = os.ReadFile
)

type errConnectionNotFound struct {
	filename string
}

func (e *errConnectionNotFound) Error() string {
	return fmt.Sprintf("connection not found in %s", e.filename)
}

// ownerOf scans a /proc/net/tcp style table for the socket of the peer and
// reports whether its owner is uid.
func ownerOf(filename, localAddr, remoteAddr string) (bool, error) {
	b, err := readFile(filename)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var (
			sl                    int
			peerLocal, peerRemote string
			state                 int
			queue, timer          string
			retransmit            int
			peerUID               uint
		)
		// %d where the kernel uses %5u: fmt has no %u and a width would
		// cut long uids.
		n, err := fmt.Sscanf(line, "%4d: %s %s %02X %s %s %08X %d",
			&sl, &peerLocal, &peerRemote, &state, &queue, &timer, &retransmit, &peerUID)
		if n != 8 || err != nil {
			continue // header
		}
		// The table row is the peer's socket, so its local address is our
		// remote address.
		if peerLocal != remoteAddr || peerRemote != localAddr {
			continue
		}
		same := uid == int(peerUID)
		if !same {
			logflags.DAPLogger().Warnf("connection from uid %d, adapter runs as %d: %s", peerUID, uid, line)
		}
		return same, nil
	}
	return false, &errConnectionNotFound{filename}
}

func addrToHex4(addr *net.TCPAddr) string {
	b := addr.IP.To4()
	return fmt.Sprintf("%02X%02X%02X%02X:%04X", b[3], b[2], b[1], b[0], addr.Port)
}

func addrToHex6(addr *net.TCPAddr) string {
	words := make([]uint32, 4)
	if err := binary.Read(bytes.NewReader(addr.IP.To16()), binary.LittleEndian, words); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%08X%08X%08X%08X:%04X", words[0], words[1], words[2], words[3], addr.Port)
}

func sameUser(localAddr, remoteAddr *net.TCPAddr) (bool, error) {
	if remoteAddr.IP.To4() == nil {
		return ownerOf("/proc/net/tcp6", addrToHex6(localAddr), addrToHex6(remoteAddr))
	}
	same, err := ownerOf("/proc/net/tcp", addrToHex4(localAddr), addrToHex4(remoteAddr))
	var notFound *errConnectionNotFound
	if errors.As(err, &notFound) {
		// IPv4 connections on a dual stack socket are listed as mapped
		// addresses.
		const mapped = "0000000000000000FFFF0000"
		if same, err := ownerOf("/proc/net/tcp6", mapped+addrToHex4(localAddr), mapped+addrToHex4(remoteAddr)); err == nil {
			return same, nil
		}
	}
	return same, err
}

// CanAccept reports whether a connection accepted on listenAddr may be
// served. Only loopback listeners are checked.
func CanAccept(listenAddr, localAddr, remoteAddr net.Addr) bool {
	laddr, ok := listenAddr.(*net.TCPAddr)
	if !ok || !laddr.IP.IsLoopback() {
		return true
	}
	local, ok1 := localAddr.(*net.TCPAddr)
	remote, ok2 := remoteAddr.(*net.TCPAddr)
	if !ok1 || !ok2 {
		return true
	}
	same, err := sameUser(local, remote)
	if err != nil {
		logflags.DAPLogger().Errorf("cannot check remote address: %v", err)
	}
	if !same {
		msg := fmt.Sprintf("closing connection from different user (%v): connections to localhost are only accepted from the same UNIX user for security reasons", remote)
		if logflags.Any() {
			logflags.DAPLogger().Error(msg)
		} else {
			fmt.Fprintln(os.Stderr, msg)
		}
		return false
	}
	return true
}
