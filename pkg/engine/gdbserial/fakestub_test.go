package gdbserial

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeStub answers the packets of a gdbConn on the other end of a pipe.
type fakeStub struct {
	t      *testing.T
	conn   net.Conn
	handle func(packet string) string

	mu      sync.Mutex
	packets []string
}

func newFakeStub(t *testing.T, handle func(packet string) string) (*fakeStub, *gdbConn) {
	client, server := net.Pipe()
	s := &fakeStub{t: t, conn: server, handle: handle}
	go s.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return s, newConn(client)
}

func (s *fakeStub) serve() {
	rd := bufio.NewReader(s.conn)
	ack := true
	for {
		b, err := rd.ReadByte()
		if err != nil {
			return
		}
		if b != '$' {
			// acks and interrupts
			continue
		}
		body, err := rd.ReadString('#')
		if err != nil {
			return
		}
		if _, err := rd.Discard(2); err != nil {
			return
		}
		packet := strings.TrimSuffix(body, "#")
		s.mu.Lock()
		s.packets = append(s.packets, packet)
		s.mu.Unlock()

		var reply string
		if packet == "QStartNoAckMode" {
			reply = "OK"
		} else {
			reply = s.handle(packet)
		}
		if ack {
			s.conn.Write([]byte{'+'})
		}
		if packet == "QStartNoAckMode" {
			ack = false
		}
		sum := checksum([]byte("$" + reply + "#"))
		fmt.Fprintf(s.conn, "$%s#%02x", reply, sum)
	}
}

func (s *fakeStub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.packets...)
}

// lldbServer answers the handshake the way lldb-server does for an amd64
// process.
func lldbServer(more func(packet string) (string, bool)) func(string) string {
	regs := []string{
		"name:rax;bitsize:64;offset:0;set:General Purpose Registers;",
		"name:rbp;bitsize:64;offset:8;set:General Purpose Registers;generic:fp;",
		"name:rsp;bitsize:64;offset:16;set:General Purpose Registers;generic:sp;",
		"name:rip;bitsize:64;offset:24;set:General Purpose Registers;generic:pc;",
		"name:eax;bitsize:32;offset:0;set:General Purpose Registers;container-regs:0;",
	}
	return func(packet string) string {
		if more != nil {
			if reply, ok := more(packet); ok {
				return reply
			}
		}
		switch {
		case packet == "QThreadSuffixSupported", packet == "QListThreadsInStopReply":
			return "OK"
		case strings.HasPrefix(packet, "qSupported"):
			return "PacketSize=20000;swbreak+;qXfer:libraries-svr4:read+"
		case strings.HasPrefix(packet, "qRegisterInfo"):
			var n int
			fmt.Sscanf(packet, "qRegisterInfo%x", &n)
			if n < len(regs) {
				return regs[n]
			}
			return "E45"
		}
		return ""
	}
}

func TestHandshake(t *testing.T) {
	_, conn := newFakeStub(t, lldbServer(nil))
	require.NoError(t, conn.handshake())

	require.True(t, conn.threadSuffixSupported)
	require.True(t, conn.swbreak)
	require.False(t, conn.ack)
	require.Equal(t, 0x20000, conn.packetSize)
	require.Len(t, conn.regsInfo, 4, "container registers are skipped")
	require.Equal(t, "pc", conn.regsInfo[3].Generic)

	arch, err := archForRegisters(conn.regsInfo)
	require.NoError(t, err)
	require.Equal(t, "amd64", arch.name)
}

func TestHandshakeWithoutRegisters(t *testing.T) {
	_, conn := newFakeStub(t, func(packet string) string {
		if packet == "QThreadSuffixSupported" || strings.HasPrefix(packet, "qSupported") {
			return "OK"
		}
		return "E01"
	})
	require.Error(t, conn.handshake())
}

func TestReadWriteMemory(t *testing.T) {
	mem := map[uint64]byte{}
	for i := uint64(0); i < 64; i++ {
		mem[0x1000+i] = byte(i)
	}
	s, conn := newFakeStub(t, lldbServer(func(packet string) (string, bool) {
		var addr, size uint64
		switch packet[0] {
		case 'm':
			fmt.Sscanf(packet, "m%x,%x", &addr, &size)
			var b strings.Builder
			for i := uint64(0); i < size; i++ {
				v, ok := mem[addr+i]
				if !ok {
					break
				}
				fmt.Fprintf(&b, "%02x", v)
			}
			if b.Len() == 0 {
				return "E08", true
			}
			return b.String(), true
		case 'M':
			head, data, _ := strings.Cut(packet, ":")
			fmt.Sscanf(head, "M%x,%x", &addr, &size)
			for i := 0; i < len(data); i += 2 {
				var v byte
				fmt.Sscanf(data[i:i+2], "%02x", &v)
				mem[addr+uint64(i/2)] = v
			}
			return "OK", true
		}
		return "", false
	}))
	require.NoError(t, conn.handshake())
	conn.packetSize = 36 // 16 bytes per read

	buf := make([]byte, 40)
	n, err := conn.readMemory(buf, 0x1000)
	require.NoError(t, err)
	require.Equal(t, 40, n)
	require.Equal(t, byte(39), buf[39])

	var reads int
	for _, p := range s.received() {
		if strings.HasPrefix(p, "m") {
			reads++
		}
	}
	require.Equal(t, 3, reads)

	// the read stops at the end of the mapped bytes
	n, err = conn.readMemory(make([]byte, 16), 0x1038)
	require.Error(t, err)
	require.Equal(t, 8, n)

	conn.packetSize = 256
	written, err := conn.writeMemory(0x1000, []byte{0xaa, 0xbb})
	require.NoError(t, err)
	require.Equal(t, 2, written)
	require.Equal(t, byte(0xbb), mem[0x1001])
}

func TestQXferMultiplePackets(t *testing.T) {
	list := `<library-list-svr4 version="1.0" main-lm="0x7f0"><library name="/lib/libc.so.6" lm="0x7f1" l_addr="0x7f0000" l_ld="0x7f2"/></library-list-svr4>`
	_, conn := newFakeStub(t, lldbServer(func(packet string) (string, bool) {
		var off int
		if _, err := fmt.Sscanf(packet, "qXfer:libraries-svr4:read::%x,fff", &off); err != nil {
			return "", false
		}
		if off == 0 {
			return "m" + list[:50], true
		}
		return "l" + list[off:], true
	}))
	require.NoError(t, conn.handshake())

	data, err := conn.qXfer("libraries-svr4", "", false)
	require.NoError(t, err)
	require.Equal(t, list, string(data))

	libs, err := parseLibraryList(data)
	require.NoError(t, err)
	require.Equal(t, []library{{name: "/lib/libc.so.6", bias: 0x7f0000}}, libs)
}

func TestExecRawReturnsErrorReplies(t *testing.T) {
	_, conn := newFakeStub(t, lldbServer(func(packet string) (string, bool) {
		switch packet {
		case "bc":
			return "E0f", true
		case "qC":
			return "QC2b", true
		}
		return "", false
	}))
	require.NoError(t, conn.handshake())

	reply, err := conn.execRaw("bc")
	require.NoError(t, err)
	require.Equal(t, "E0f", reply)

	reply, err = conn.execRaw("qC")
	require.NoError(t, err)
	require.Equal(t, "QC2b", reply)
}

func TestQueryThreads(t *testing.T) {
	_, conn := newFakeStub(t, lldbServer(func(packet string) (string, bool) {
		switch packet {
		case "qfThreadInfo":
			return "mp2a.2a,p2a.2b", true
		case "qsThreadInfo":
			return "l", true
		}
		return "", false
	}))
	require.NoError(t, conn.handshake())
	conn.multiprocess = true

	threads, err := conn.queryThreads(true)
	require.NoError(t, err)
	require.Equal(t, []string{"p2a.2a", "p2a.2b"}, threads)
	require.Equal(t, 0x2a, conn.pid)

	threads, err = conn.queryThreads(false)
	require.NoError(t, err)
	require.Empty(t, threads)
}
