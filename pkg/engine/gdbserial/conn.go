package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/ndap/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for gdbConn
)

// heartbeatInterval is how often a wait for a stop reply wakes up to check
// whether it should give up.
const heartbeatInterval = 10 * time.Second

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error response (Exx) of the Gdb Remote Serial
// Protocol or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *ProtocolError
	return errors.As(err, &gdberr) && gdberr.code == ""
}

// ErrProcessExited is returned by waits for a stop when the inferior
// exited or was killed instead.
type ErrProcessExited struct {
	Pid    int
	Status int
	// Signal is set when the process was terminated by a signal.
	Signal bool
}

func (e ErrProcessExited) Error() string {
	if e.Signal {
		return fmt.Sprintf("process %d was terminated by signal %d", e.Pid, e.Status)
	}
	return fmt.Sprintf("process %d has exited with status %d", e.Pid, e.Status)
}

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	runMu   sync.Mutex
	running bool

	packetSize int            // maximum packet size supported by stub
	regsInfo   []registerInfo // list of registers

	pid int // cache process id

	ack                   bool // when ack is true acknowledgment packets are enabled
	multiprocess          bool // multiprocess extensions are active
	maxTransmitAttempts   int  // maximum number of transmit or receive attempts when bad checksums are read
	threadSuffixSupported bool // thread suffix supported by stub
	swbreak               bool // stub reports software breakpoint hits in stop replies

	// output receives the inferior output forwarded by the stub in 'O'
	// packets.
	output func(data []byte)

	log logflags.Logger
}

func newConn(conn net.Conn) *gdbConn {
	return &gdbConn{
		conn:                conn,
		maxTransmitAttempts: maxTransmitAttempts,
		inbuf:               make([]byte, 0, initialInputBufferSize),
		log:                 logflags.GdbWireLogger(),
	}
}

const (
	qSupportedSimple       = "$qSupported:swbreak+;hwbreak+;no-resumed+;xmlRegisters=i386"
	qSupportedMultiprocess = "$qSupported:multiprocess+;swbreak+;hwbreak+;no-resumed+;xmlRegisters=i386"
)

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = 256
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.writeAck('+')

	conn.disableAck()

	// Try to enable thread suffixes for the command 'g' and 'p'
	if _, err := conn.exec([]byte("$QThreadSuffixSupported"), "init"); err != nil {
		if !isProtocolErrorUnsupported(err) {
			return err
		}
		conn.threadSuffixSupported = false
	} else {
		conn.threadSuffixSupported = true
	}

	if !conn.threadSuffixSupported {
		features, err := conn.qSupported(true)
		if err != nil {
			return err
		}
		conn.multiprocess = features["multiprocess"]
		conn.swbreak = features["swbreak"]

		// gdbserver won't let us read target.xml unless a thread is
		// selected first.
		if conn.multiprocess {
			conn.exec([]byte("$Hgp0.0"), "init")
		} else {
			conn.exec([]byte("$Hgp0"), "init")
		}
	} else {
		// The interaction of thread suffixes and multiprocess is not
		// documented, qSupported is only used for the packet size here.
		features, err := conn.qSupported(false)
		if err != nil {
			return err
		}
		conn.swbreak = features["swbreak"]
	}

	// Register names come from qRegisterInfo (lldb-server) or from
	// qXfer:features:read (gdbserver, rr).
	if err := conn.readRegisterInfo(); err != nil {
		if !isProtocolErrorUnsupported(err) {
			return err
		}
		if err := conn.readTargetXML(); err != nil {
			return err
		}
	}

	// Only lldb-server reports the other stopped threads.
	if _, err := conn.exec([]byte("$QListThreadsInStopReply"), "init"); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	return nil
}

// qSupported interprets qSupported responses.
func (conn *gdbConn) qSupported(multiprocess bool) (features map[string]bool, err error) {
	q := qSupportedSimple
	if multiprocess {
		q = qSupportedMultiprocess
	}
	respBuf, err := conn.exec([]byte(q), "init/qSupported")
	if err != nil {
		return nil, err
	}
	features = make(map[string]bool)
	for _, stubfeature := range strings.Split(string(respBuf), ";") {
		switch {
		case stubfeature == "":
		case strings.Contains(stubfeature, "="):
			name, value, _ := strings.Cut(stubfeature, "=")
			if name == "PacketSize" {
				if n, err := strconv.ParseInt(value, 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		case stubfeature[len(stubfeature)-1] == '+':
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// gdbTarget is used to parse target.xml
type gdbTarget struct {
	Includes  []gdbTargetInclude `xml:"xi include"`
	Registers []registerInfo     `xml:"reg"`
}

type gdbTargetInclude struct {
	Href string `xml:"href,attr"`
}

// registerInfo describes one register of the inferior.
type registerInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Offset  int
	Regnum  int    `xml:"regnum,attr"`
	Group   string `xml:"group,attr"`
	// Generic is the role of the register: pc, sp, fp or ra.
	Generic string
	Set     string
}

// readTargetXML reads target.xml from the stub using qXfer:features:read,
// then parses it requesting any additional files.
// The schema of target.xml is described by:
//
//	https://github.com/bminor/binutils-gdb/blob/61baf725eca99af2569262d10aca03dcde2698f6/gdb/features/gdb-target.dtd
func (conn *gdbConn) readTargetXML() (err error) {
	conn.regsInfo, err = conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	offset := 0
	regnum := 0
	for i := range conn.regsInfo {
		ri := &conn.regsInfo[i]
		if ri.Regnum == 0 {
			ri.Regnum = regnum
		} else {
			regnum = ri.Regnum
		}
		ri.Offset = offset
		offset += ri.Bitsize / 8
		ri.Generic = genericRole(ri.Name)
		if ri.Group == "" {
			ri.Set = "General Purpose Registers"
		} else {
			ri.Set = ri.Group
		}
		regnum++
	}
	return conn.checkRegisters()
}

// readRegisterInfo enumerates registers with qRegisterInfo, the lldb-server
// way, until the stub answers with an error.
func (conn *gdbConn) readRegisterInfo() error {
	for regnum := 0; ; regnum++ {
		resp, err := conn.command("register info", "qRegisterInfo%x", regnum)
		if err != nil {
			if regnum == 0 {
				return err
			}
			break
		}
		if ri, ok := parseRegisterInfo(regnum, string(resp)); ok {
			conn.regsInfo = append(conn.regsInfo, ri)
		}
	}
	return conn.checkRegisters()
}

// parseRegisterInfo decodes a qRegisterInfo reply. Registers that are
// slices of others (container-regs) are not reported.
func parseRegisterInfo(regnum int, reply string) (registerInfo, bool) {
	ri := registerInfo{Regnum: regnum}
	for _, field := range strings.Split(reply, ";") {
		key, value, _ := strings.Cut(field, ":")
		switch key {
		case "name":
			ri.Name = value
		case "offset":
			ri.Offset, _ = strconv.Atoi(value)
		case "bitsize":
			ri.Bitsize, _ = strconv.Atoi(value)
		case "generic":
			ri.Generic = value
		case "set":
			ri.Set = value
		case "container-regs":
			return ri, false
		}
	}
	if ri.Generic == "" {
		ri.Generic = genericRole(ri.Name)
	}
	return ri, true
}

// genericRole guesses the role of a register the stub did not describe.
func genericRole(name string) string {
	switch name {
	case "rip", "pc", "eip":
		return "pc"
	case "rsp", "sp", "esp":
		return "sp"
	case "rbp", "x29", "fp", "ebp", "s0":
		return "fp"
	case "lr", "x30", "ra":
		return "ra"
	}
	return ""
}

func (conn *gdbConn) checkRegisters() error {
	var pc, sp bool
	for _, ri := range conn.regsInfo {
		switch ri.Generic {
		case "pc":
			pc = true
		case "sp":
			sp = true
		}
	}
	if !pc {
		return errors.New("could not find the PC register")
	}
	if !sp {
		return errors.New("could not find the SP register")
	}
	return nil
}

// readAnnex fetches a target description and everything it includes.
func (conn *gdbConn) readAnnex(annex string) ([]registerInfo, error) {
	pending := []string{annex}
	var regs []registerInfo
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		doc, err := conn.qXfer("features", name, false)
		if err != nil {
			return nil, err
		}
		var tgt gdbTarget
		if err := xml.Unmarshal(doc, &tgt); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		regs = append(regs, tgt.Registers...)
		for _, incl := range tgt.Includes {
			pending = append(pending, incl.Href)
		}
	}
	return regs, nil
}

func (conn *gdbConn) readExecFile() (string, error) {
	path, err := conn.qXfer("exec-file", "", true)
	return string(path), err
}

func (conn *gdbConn) readAuxv() ([]byte, error) {
	return conn.qXfer("auxv", "", true)
}

// qXfer reads the whole of object kind/annex in chunks. Each reply starts
// with 'm' when more data follows or 'l' on the last chunk.
func (conn *gdbConn) qXfer(kind, annex string, binary bool) ([]byte, error) {
	var out []byte
	for {
		packet := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,fff", kind, annex, len(out)))
		if err := conn.send(packet); err != nil {
			return nil, err
		}
		chunk, err := conn.recv(packet, "qXfer "+kind, binary)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk[1:]...)
		if chunk[0] != 'm' {
			return out, nil
		}
	}
}

// command formats a packet into the output buffer and executes it.
func (conn *gdbConn) command(context, format string, args ...interface{}) ([]byte, error) {
	conn.outbuf.Reset()
	conn.outbuf.WriteByte('$')
	fmt.Fprintf(&conn.outbuf, format, args...)
	return conn.exec(conn.outbuf.Bytes(), context)
}

// threadCommand is command for packets that act on the registers of one
// thread: the thread is named by a suffix when the stub allows it and
// selected with Hg beforehand otherwise.
func (conn *gdbConn) threadCommand(threadID, context, format string, args ...interface{}) ([]byte, error) {
	if !conn.threadSuffixSupported {
		if _, err := conn.command(context, "Hg%s", threadID); err != nil {
			return nil, err
		}
		return conn.command(context, format, args...)
	}
	return conn.command(context, format+";thread:%s;", append(args, threadID)...)
}

// Z packet types.
const (
	zSoftware = 0
	zWrite    = 2
	zRead     = 3
	zAccess   = 4
)

func (conn *gdbConn) setBreakpoint(addr uint64, kind int) error {
	_, err := conn.command("set breakpoint", "Z%d,%x,%d", zSoftware, addr, kind)
	return err
}

func (conn *gdbConn) clearBreakpoint(addr uint64, kind int) error {
	_, err := conn.command("clear breakpoint", "z%d,%x,%d", zSoftware, addr, kind)
	return err
}

func watchpointType(read, write bool) int {
	if !read {
		return zWrite
	}
	if write {
		return zAccess
	}
	return zRead
}

func (conn *gdbConn) setWatchpoint(addr uint64, size int, read, write bool) error {
	_, err := conn.command("set watchpoint", "Z%d,%x,%x", watchpointType(read, write), addr, size)
	return err
}

func (conn *gdbConn) clearWatchpoint(addr uint64, size int, read, write bool) error {
	_, err := conn.command("clear watchpoint", "z%d,%x,%x", watchpointType(read, write), addr, size)
	return err
}

// closeStub drops the connection, later requests fail without touching
// the wire.
func (conn *gdbConn) closeStub() {
	if conn.conn != nil {
		conn.conn.Close()
		conn.conn = nil
	}
}

// kill terminates the inferior. Stubs may hang up instead of replying.
func (conn *gdbConn) kill() error {
	resp, err := conn.command("kill", "k")
	switch {
	case errors.Is(err, io.EOF):
		conn.closeStub()
		return ErrProcessExited{Pid: conn.pid, Status: 9, Signal: true}
	case err != nil:
		return err
	}
	_, _, err = conn.parseStopPacket(resp, "")
	return err
}

func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		return nil
	}
	_, err := conn.command("detach", "D")
	conn.closeStub()
	return err
}

// decodeHexInto fills data from the hex digits of resp, stopping at
// whichever ends first. Register replies may hold 'x' for unavailable
// bytes, those decode as zero.
func decodeHexInto(data, resp []byte) {
	for i := range data {
		if 2*i+1 >= len(resp) {
			return
		}
		var b [1]byte
		if _, err := hex.Decode(b[:], resp[2*i:2*i+2]); err == nil {
			data[i] = b[0]
		} else {
			data[i] = 0
		}
	}
}

func (conn *gdbConn) readRegisters(threadID string, data []byte) error {
	resp, err := conn.threadCommand(threadID, "read registers", "g")
	if err != nil {
		return err
	}
	decodeHexInto(data, resp)
	return nil
}

func (conn *gdbConn) readRegister(threadID string, regnum int, data []byte) error {
	resp, err := conn.threadCommand(threadID, "read register", "p%x", regnum)
	if err != nil {
		return err
	}
	decodeHexInto(data, resp)
	return nil
}

func (conn *gdbConn) writeRegister(threadID string, regnum int, data []byte) error {
	_, err := conn.threadCommand(threadID, "write register", "P%x=%s", regnum, hex.EncodeToString(data))
	return err
}


func (conn *gdbConn) setRunning(running bool) {
	conn.runMu.Lock()
	conn.running = running
	conn.runMu.Unlock()
}

func (conn *gdbConn) isRunning() bool {
	conn.runMu.Lock()
	defer conn.runMu.Unlock()
	return conn.running
}

// resume continues all threads with vCont, delivering sig to threadID
// when it is not zero, or runs backwards with 'bc'.
func (conn *gdbConn) resume(threadID string, sig uint8, reverse bool) (stopPacket, error) {
	packet := "$vCont;c"
	switch {
	case reverse:
		packet = "$bc"
	case sig != 0:
		packet = fmt.Sprintf("$vCont;C%02x:%s;c", sig, threadID)
	}
	return conn.run(packet, "resume", "-1")
}

// step single steps threadID. Stepping backwards has no vCont action, the
// thread is selected with Hc instead.
func (conn *gdbConn) step(threadID string, reverse bool) (stopPacket, error) {
	if !reverse {
		return conn.run("$vCont;s:"+threadID, "step", threadID)
	}
	if _, err := conn.command("step", "Hc%s", threadID); err != nil {
		return stopPacket{}, err
	}
	return conn.run("$bs", "step", threadID)
}

// run sends an execution packet and waits for the stop reply.
func (conn *gdbConn) run(packet, context, threadID string) (stopPacket, error) {
	if err := conn.send([]byte(packet)); err != nil {
		return stopPacket{}, err
	}
	conn.setRunning(true)
	defer conn.setRunning(false)
	return conn.waitForStop(context, threadID)
}

func (conn *gdbConn) waitForStop(context string, threadID string) (stopPacket, error) {
	for {
		conn.conn.SetReadDeadline(time.Now().Add(heartbeatInterval))
		resp, err := conn.recv(nil, context, false)
		conn.conn.SetReadDeadline(time.Time{})
		var neterr net.Error
		if errors.As(err, &neterr) && neterr.Timeout() {
			continue
		}
		if err != nil {
			return stopPacket{}, err
		}
		repeat, sp, err := conn.parseStopPacket(resp, threadID)
		if !repeat {
			return sp, err
		}
	}
}

type stopPacket struct {
	threadID string
	sig      uint8
	reason   string
	// watchAddr is the address that triggered a watchpoint.
	watchAddr uint64
	watch     bool
	swbreak   bool
	// threads lists all threads when the stub supports
	// QListThreadsInStopReply.
	threads []string
}

// parseStopPacket decodes a stop reply. Console output ('O') is forwarded
// and reported with repeat set, the caller keeps waiting.
func (conn *gdbConn) parseStopPacket(resp []byte, threadID string) (repeat bool, sp stopPacket, err error) {
	sp.threadID = threadID
	switch resp[0] {
	case 'T', 'S':
		if len(resp) < 3 {
			return false, stopPacket{}, fmt.Errorf("malformed stop packet %s", resp)
		}
		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, stopPacket{}, fmt.Errorf("malformed stop packet %s", resp)
		}
		sp.sig = uint8(sig)
		for _, field := range strings.Split(string(resp[3:]), ";") {
			if key, value, ok := strings.Cut(field, ":"); ok {
				sp.setField(key, value)
			}
		}
		return false, sp, nil
	case 'W', 'X':
		code, _, _ := strings.Cut(string(resp[1:]), ";")
		status, _ := strconv.ParseUint(code, 16, 8)
		return false, stopPacket{}, ErrProcessExited{Pid: conn.pid, Status: int(status), Signal: resp[0] == 'X'}
	case 'N':
		// the stepped thread exited
		return false, sp, nil
	case 'O':
		if data, err := hex.DecodeString(string(resp[1:])); err == nil && conn.output != nil {
			conn.output(data)
		}
		return true, sp, nil
	}
	return false, sp, fmt.Errorf("unexpected stop reply %c", resp[0])
}

func (sp *stopPacket) setField(key, value string) {
	switch key {
	case "thread":
		sp.threadID = value
	case "threads":
		sp.threads = strings.Split(value, ",")
	case "reason":
		sp.reason = value
	case "watch", "rwatch", "awatch":
		sp.watch = true
		sp.watchAddr, _ = strconv.ParseUint(value, 16, 64)
	case "swbreak", "hwbreak":
		sp.swbreak = true
	case "description":
		// lldb-server: hex encoded text starting with the decimal address
		// of the watched location
		text, err := hex.DecodeString(value)
		if err != nil || sp.reason != "watchpoint" {
			return
		}
		if f := strings.Fields(string(text)); len(f) > 0 {
			if addr, err := strconv.ParseUint(f[0], 10, 64); err == nil {
				sp.watch = true
				sp.watchAddr = addr
			}
		}
	}
}

// sendCtrlC interrupts the running inferior.
func (conn *gdbConn) sendCtrlC() error {
	const interrupt = 0x03
	conn.log.Debug("<- ^C")
	_, err := conn.conn.Write([]byte{interrupt})
	return err
}

// queryProcessInfo asks for the key/value description of pid, or of the
// current process when pid is zero.
func (conn *gdbConn) queryProcessInfo(pid int) (map[string]string, error) {
	packet := "qProcessInfo"
	if pid != 0 {
		packet = fmt.Sprintf("qProcessInfoPID:%d", pid)
	}
	resp, err := conn.command("process info", "%s", packet)
	if err != nil {
		return nil, err
	}
	info := make(map[string]string)
	for _, field := range strings.Split(string(resp), ";") {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		if key == "name" {
			if name, err := hex.DecodeString(value); err == nil {
				value = string(name)
			}
		}
		info[key] = value
	}
	return info, nil
}

// queryThreads returns one batch of thread ids, qfThreadInfo for the first
// and qsThreadInfo for the others. An empty batch ends the list.
func (conn *gdbConn) queryThreads(first bool) ([]string, error) {
	packet := "qsThreadInfo"
	if first {
		packet = "qfThreadInfo"
	}
	resp, err := conn.command("thread info", "%s", packet)
	if err != nil {
		return nil, err
	}
	switch resp[0] {
	case 'l':
		return nil, nil
	case 'm':
	default:
		return nil, fmt.Errorf("malformed %s reply %q", packet, resp)
	}
	threads := strings.Split(string(resp[1:]), ",")
	if conn.multiprocess && conn.pid == 0 {
		conn.pid = pidOf(threads[0])
	}
	return threads, nil
}

// pidOf extracts the process of a multiprocess thread id, pPID.TID in hex.
func pidOf(tid string) int {
	p, _, ok := strings.Cut(tid, ".")
	if !ok || !strings.HasPrefix(p, "p") {
		return 0
	}
	pid, _ := strconv.ParseInt(p[1:], 16, 64)
	return int(pid)
}

// readMemory reads len(data) bytes at addr, split into requests that fit
// the stub's packet size. It returns how much was read before a failure.
func (conn *gdbConn) readMemory(data []byte, addr uint64) (int, error) {
	chunk := (conn.packetSize - 4) / 2
	read := 0
	for read < len(data) {
		sz := len(data) - read
		if sz > chunk {
			sz = chunk
		}
		resp, err := conn.command("read memory", "m%x,%x", addr+uint64(read), sz)
		if err != nil {
			return read, err
		}
		n := len(resp) / 2
		if n > sz {
			n = sz
		}
		decodeHexInto(data[read:read+n], resp)
		read += n
		if n < sz {
			return read, fmt.Errorf("memory read failed for 0x%x", addr+uint64(read))
		}
	}
	return read, nil
}

// writeMemory writes data at addr. Nothing is sent for an empty write,
// lldb-server hangs on zero length M packets.
func (conn *gdbConn) writeMemory(addr uint64, data []byte) (int, error) {
	chunk := (conn.packetSize - 32) / 2
	written := 0
	for written < len(data) {
		sz := len(data) - written
		if sz > chunk {
			sz = chunk
		}
		part := data[written : written+sz]
		if _, err := conn.command("write memory", "M%x,%x:%s", addr+uint64(written), sz, hex.EncodeToString(part)); err != nil {
			return written, err
		}
		written += sz
	}
	return written, nil
}

// threadStopInfo returns why threadID is stopped.
func (conn *gdbConn) threadStopInfo(threadID string) (stopPacket, error) {
	resp, err := conn.command("thread stop info", "qThreadStopInfo%s", threadID)
	if err != nil {
		return stopPacket{}, err
	}
	_, sp, err := conn.parseStopPacket(resp, threadID)
	return sp, err
}

// execRaw sends packet as is and returns the reply text, including error
// replies.
func (conn *gdbConn) execRaw(packet string) (string, error) {
	resp, err := conn.command("raw packet", "%s", packet)
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.code, nil
	}
	return string(resp), err
}
