package gdbserial

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"$OK#9a", "OK"},
		{"$0* #", "0000"},
		{"$a}]b#", "a}b"},
		{"$}\x03#", "#"},
		{"$00:T05#", "T05"},
	}
	for _, tt := range tests {
		_, msg := decodePayload(nil, []byte(tt.in), true)
		if string(msg) != tt.want {
			t.Errorf("decodePayload(%q) = %q, want %q", tt.in, msg, tt.want)
		}
	}
}

func TestDecodeBinaryPayloadKeepsRunLengthMarker(t *testing.T) {
	_, msg := decodePayload(nil, []byte("$l1*2}]#"), false)
	if want := "l1*2}"; string(msg) != want {
		t.Fatalf("got %q, want %q", msg, want)
	}
}

func TestChecksum(t *testing.T) {
	if !validChecksum([]byte("$OK#"), []byte("9a")) {
		t.Fatal("checksum of OK rejected")
	}
	if validChecksum([]byte("$OK#"), []byte("9b")) {
		t.Fatal("wrong checksum accepted")
	}
	if validChecksum([]byte("OK#"), []byte("9a")) {
		t.Fatal("packet without $ accepted")
	}
}

func TestDecodeHexInto(t *testing.T) {
	data := make([]byte, 4)
	decodeHexInto(data, []byte("ff01xx"))
	if !bytes.Equal(data, []byte{0xff, 0x01, 0, 0}) {
		t.Fatalf("got %x", data)
	}
}

func TestPidOf(t *testing.T) {
	for tid, want := range map[string]int{"p2a.2b": 42, "2b": 0, "p-1.-1": -1} {
		if got := pidOf(tid); got != want {
			t.Errorf("pidOf(%q) = %d, want %d", tid, got, want)
		}
	}
}

func TestIsErrorCode(t *testing.T) {
	for _, tt := range []struct {
		resp string
		want bool
	}{
		{"E01", true},
		{"E.not allowed", true},
		{"Eg1", false},
		{"E", false},
		{"Ebadvalue", false},
	} {
		if got := isErrorCode([]byte(tt.resp)); got != tt.want {
			t.Errorf("isErrorCode(%q) = %v", tt.resp, got)
		}
	}
}

func TestParseStopPacket(t *testing.T) {
	var output []byte
	conn := &gdbConn{pid: 42, output: func(data []byte) { output = append(output, data...) }}

	_, sp, err := conn.parseStopPacket([]byte("T05thread:p2a.2b;threads:2a,2b;reason:breakpoint;swbreak:;"), "")
	if err != nil {
		t.Fatal(err)
	}
	if sp.sig != 5 || sp.threadID != "p2a.2b" || sp.reason != "breakpoint" || !sp.swbreak {
		t.Fatalf("unexpected stop packet %+v", sp)
	}
	if len(sp.threads) != 2 || sp.threads[1] != "2b" {
		t.Fatalf("threads = %v", sp.threads)
	}

	_, sp, err = conn.parseStopPacket([]byte("T05thread:1;watch:7ffc10;"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !sp.watch || sp.watchAddr != 0x7ffc10 {
		t.Fatalf("watchpoint not decoded: %+v", sp)
	}

	// lldb-server: decimal address in a hex encoded description
	_, sp, err = conn.parseStopPacket([]byte("T05thread:1;reason:watchpoint;description:3130323420302030;"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !sp.watch || sp.watchAddr != 1024 {
		t.Fatalf("watchpoint description not decoded: %+v", sp)
	}

	_, _, err = conn.parseStopPacket([]byte("W03"), "")
	var exited ErrProcessExited
	if !errors.As(err, &exited) || exited.Status != 3 || exited.Pid != 42 || exited.Signal {
		t.Fatalf("exit not reported: %v", err)
	}
	_, _, err = conn.parseStopPacket([]byte("X09;process:2a"), "")
	if !errors.As(err, &exited) || !exited.Signal || exited.Status != 9 {
		t.Fatalf("signal exit not reported: %v", err)
	}

	repeat, _, err := conn.parseStopPacket([]byte("O68690a"), "")
	if err != nil || !repeat {
		t.Fatalf("output packet: repeat=%v err=%v", repeat, err)
	}
	if !bytes.Equal(output, []byte("hi\n")) {
		t.Fatalf("output = %q", output)
	}

	if _, _, err := conn.parseStopPacket([]byte("T"), ""); err == nil {
		t.Fatal("short stop packet accepted")
	}
	if _, _, err := conn.parseStopPacket([]byte("Q"), ""); err == nil {
		t.Fatal("unknown stop reply accepted")
	}
}

func TestGenericRole(t *testing.T) {
	for name, want := range map[string]string{"rip": "pc", "rsp": "sp", "x29": "fp", "x30": "ra", "rax": ""} {
		if got := genericRole(name); got != want {
			t.Errorf("genericRole(%s) = %q, want %q", name, got, want)
		}
	}
}

func TestParseRegisterInfo(t *testing.T) {
	ri, ok := parseRegisterInfo(16, "name:rip;bitsize:64;offset:128;encoding:uint;format:hex;set:General Purpose Registers;")
	if !ok || ri.Name != "rip" || ri.Bitsize != 64 || ri.Offset != 128 || ri.Generic != "pc" || ri.Regnum != 16 {
		t.Fatalf("unexpected register %+v", ri)
	}
	if _, ok := parseRegisterInfo(17, "name:eax;bitsize:32;offset:0;container-regs:0;"); ok {
		t.Fatal("sub-register reported")
	}
}

func TestSignalNames(t *testing.T) {
	var sig uint8 = 11
	if got := nameOfSignal(GDBServer, sig); got != "SIGSEGV" {
		t.Errorf("nameOfSignal(%d) = %q", sig, got)
	}
	if !isInterrupt(GDBServer, 2) || !isInterrupt(RR, 17) || isInterrupt(GDBServer, sigTRAP) {
		t.Error("interrupt signals misclassified")
	}
}
