//go:build linux

package sameuser

import (
	"net"
	"testing"
)

const tcp4Table = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
  21: 0100007F:E682 0100007F:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8420541 2 0000000000000000 20 0 0 10 -1                  `

const tcp6Table = `  sl  local_address                         remote_address                        st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   5: 00000000000000000000000001000000:D3E4 00000000000000000000000001000000:0FC8 01 00000000:00000000 00:00000000 00000000 149098        0 8425526 2 0000000000000000 20 0 0 10 -1
   6: 00000000000000000000000001000000:0FC8 00000000000000000000000001000000:D3E4 01 00000000:00000000 00:00000000 00000000 149098        0 8424744 1 0000000000000000 20 0 0 10 -1`

func TestSameUser(t *testing.T) {
	defer func(u int, rf func(string) ([]byte, error)) { uid, readFile = u, rf }(uid, readFile)
	var tables map[string]string
	readFile = func(name string) ([]byte, error) {
		return []byte(tables[name]), nil
	}
	server4 := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4040}
	server6 := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 4040}

	for _, tt := range []struct {
		name   string
		uid    int
		tables map[string]string
		local  *net.TCPAddr
		remote *net.TCPAddr
		want   bool
	}{
		{
			name:   "ipv4-same",
			uid:    149098,
			tables: map[string]string{"/proc/net/tcp": tcp4Table},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   true,
		},
		{
			name:   "ipv4-not-found",
			uid:    149098,
			tables: map[string]string{"/proc/net/tcp": tcp4Table},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2342},
			want:   false,
		},
		{
			name:   "ipv4-different-uid",
			uid:    149097,
			tables: map[string]string{"/proc/net/tcp": tcp4Table},
			local:  server4,
			remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 59010},
			want:   false,
		},
		{
			name:   "ipv6-same",
			uid:    149098,
			tables: map[string]string{"/proc/net/tcp6": tcp6Table},
			local:  server6,
			remote: &net.TCPAddr{IP: net.ParseIP("::1"), Port: 54244},
			want:   true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			uid, tables = tt.uid, tt.tables
			// The error is for reporting only.
			got, _ := sameUser(tt.local, tt.remote)
			if got != tt.want {
				t.Errorf("sameUser(%v, %v) = %v, want %v", tt.local, tt.remote, got, tt.want)
			}
		})
	}
}

func TestCanAcceptNonLoopback(t *testing.T) {
	listen := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4040}
	if !CanAccept(listen, listen, &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1}) {
		t.Errorf("CanAccept rejected a connection on a non-loopback listener")
	}
}
