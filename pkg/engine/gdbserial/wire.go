package gdbserial

import (
	"bytes"
	"errors"
	"io"
	"strconv"
)

// Packets on the wire look like $payload#cs where cs is the modulo 256
// sum of the payload in two hex digits. See
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html

const hexChars = "0123456789abcdef"

// escapeXor is applied to the byte following a '}' escape.
const escapeXor byte = 0x20

// exec sends packet and returns the decoded reply.
func (conn *gdbConn) exec(packet []byte, context string) ([]byte, error) {
	if err := conn.send(packet); err != nil {
		return nil, err
	}
	return conn.recv(packet, context, false)
}

func (conn *gdbConn) send(packet []byte) error {
	if len(packet) == 0 || packet[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}
	if conn.conn == nil {
		return errors.New("connection to the debug stub is closed")
	}
	sum := checksum(packet)
	packet = append(packet, '#', hexChars[sum>>4], hexChars[sum&0xf])
	for attempt := 0; ; attempt++ {
		conn.logPacket("<-", packet)
		if _, err := conn.conn.Write(packet); err != nil {
			return err
		}
		if !conn.ack || conn.readAck() {
			return nil
		}
		if attempt >= conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
	}
}

// recv reads the next packet. Notifications ('%') are skipped, so is
// anything in front of the '$', usually a stray ack. An empty reply means
// the stub does not know packet and comes back as a ProtocolError with no
// code, like an Exx reply does with one.
func (conn *gdbConn) recv(packet []byte, context string, binary bool) ([]byte, error) {
	var raw []byte
	for attempt := 0; ; attempt++ {
		var err error
		raw, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		if i := bytes.IndexAny(raw, "$%"); i > 0 {
			raw = raw[i:]
		}
		var trailer [2]byte
		if _, err := io.ReadFull(conn.rdr, trailer[:]); err != nil {
			return nil, err
		}
		conn.logPacket("->", append(raw, trailer[:]...))
		if raw[0] == '%' {
			continue
		}
		if !conn.ack {
			break
		}
		if validChecksum(raw, trailer[:]) {
			conn.writeAck('+')
			break
		}
		if attempt >= conn.maxTransmitAttempts {
			conn.writeAck('+')
			return nil, ErrTooManyAttempts
		}
		conn.writeAck('-')
	}

	var resp []byte
	conn.inbuf, resp = decodePayload(conn.inbuf, raw, !binary)
	if len(resp) == 0 || (resp[0] == 'E' && isErrorCode(resp)) {
		return nil, &ProtocolError{context: context, cmd: string(packet), code: string(resp)}
	}
	return resp, nil
}

func (conn *gdbConn) logPacket(dir string, p []byte) {
	if len(p) > gdbWireMaxLen {
		conn.log.Debugf("%s %s...", dir, p[:gdbWireMaxLen])
		return
	}
	conn.log.Debugf("%s %s", dir, p)
}

// isErrorCode reports whether resp is an Exx error reply, or an lldb
// E.message one.
func isErrorCode(resp []byte) bool {
	if len(resp) == 3 {
		_, err := strconv.ParseUint(string(resp[1:]), 16, 8)
		return err == nil
	}
	return len(resp) > 1 && resp[1] == '.'
}

func (conn *gdbConn) readAck() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %c", b)
	return b == '+'
}

func (conn *gdbConn) writeAck(c byte) {
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %c", c)
}

// decodePayload undoes the wire encoding of packet, which runs from '$'
// up to the '#', into dst and returns the grown buffer together with the
// payload. Text packets may also carry run-length encoding and a "xx:"
// sequence id; binary ones (x, qXfer of files, lldb's JSON packets) only
// use escapes.
func decodePayload(dst, packet []byte, text bool) (buf, payload []byte) {
	if dst == nil {
		dst = make([]byte, 0, 256)
	}
	buf = dst[:0]
	start := 1
	for i := 0; i < len(packet) && packet[i] != '#'; i++ {
		c := packet[i]
		switch {
		case c == '}' && i+1 < len(packet):
			i++
			buf = append(buf, packet[i]^escapeXor)
		case c == '*' && text && i > 0 && i+1 < len(packet):
			i++
			last := buf[len(buf)-1]
			for n := int(packet[i]) - 29; n > 0; n-- {
				buf = append(buf, last)
			}
		default:
			buf = append(buf, c)
			if c == ':' && text && i == 3 {
				start = 4
			}
		}
	}
	if start > len(buf) {
		start = len(buf)
	}
	return buf, buf[start:]
}

// checksum sums the payload of packet, stopping at the '#' if there is one.
func checksum(packet []byte) uint8 {
	var sum uint8
	for _, c := range packet[1:] {
		if c == '#' {
			break
		}
		sum += c
	}
	return sum
}

func validChecksum(packet, trailer []byte) bool {
	if len(packet) == 0 || packet[0] != '$' {
		return false
	}
	want, err := strconv.ParseUint(string(trailer), 16, 8)
	return err == nil && checksum(packet) == uint8(want)
}
