package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// HitOp is the comparison of a hit condition.
type HitOp int

const (
	HitLT HitOp = iota
	HitLE
	HitEQ
	HitGE
	HitGT
	HitMod
)

// HitCondition decides on which hits a breakpoint stops.
type HitCondition struct {
	Op    HitOp
	Count uint32
	// Bare is set when the condition was written as a number alone, which
	// means ">=".
	Bare bool
}

// HitConditionError is returned by ParseHitCondition.
type HitConditionError struct {
	Input string
}

func (e *HitConditionError) Error() string {
	return fmt.Sprintf("Invalid hit condition: %s", e.Input)
}

var hitOps = []struct {
	tok string
	op  HitOp
}{
	// longer tokens first
	{"<=", HitLE},
	{"<", HitLT},
	{"==", HitEQ},
	{"=", HitEQ},
	{">=", HitGE},
	{">", HitGT},
	{"%", HitMod},
}

// ParseHitCondition parses "[op] N" where op is one of < <= = == > >= %.
func ParseHitCondition(s string) (HitCondition, error) {
	in := strings.TrimSpace(s)
	for _, o := range hitOps {
		if strings.HasPrefix(in, o.tok) {
			n, ok := parseCount(strings.TrimLeft(in[len(o.tok):], " \t"))
			if !ok {
				return HitCondition{}, &HitConditionError{Input: s}
			}
			return HitCondition{Op: o.op, Count: n}, nil
		}
	}
	n, ok := parseCount(in)
	if !ok {
		return HitCondition{}, &HitConditionError{Input: s}
	}
	return HitCondition{Op: HitGE, Count: n, Bare: true}, nil
}

func parseCount(s string) (uint32, bool) {
	if !isDigits(s) {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err == nil
}

// Hit reports whether the hitCount-th hit should stop.
func (hc HitCondition) Hit(hitCount uint32) bool {
	switch hc.Op {
	case HitLT:
		return hitCount < hc.Count
	case HitLE:
		return hitCount <= hc.Count
	case HitEQ:
		return hitCount == hc.Count
	case HitGE:
		return hitCount >= hc.Count
	case HitGT:
		return hitCount > hc.Count
	case HitMod:
		return hc.Count != 0 && hitCount%hc.Count == 0
	}
	return true
}

func (hc HitCondition) String() string {
	if hc.Bare {
		return strconv.FormatUint(uint64(hc.Count), 10)
	}
	var op string
	switch hc.Op {
	case HitLT:
		op = "<"
	case HitLE:
		op = "<="
	case HitEQ:
		op = "=="
	case HitGE:
		op = ">="
	case HitGT:
		op = ">"
	case HitMod:
		op = "%"
	}
	return fmt.Sprintf("%s %d", op, hc.Count)
}
