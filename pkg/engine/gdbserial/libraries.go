package gdbserial

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

type library struct {
	name string
	bias uint64
}

type libraryListSvr4 struct {
	XMLName   xml.Name `xml:"library-list-svr4"`
	Libraries []struct {
		Name string `xml:"name,attr"`
		LM   string `xml:"lm,attr"`
		Addr string `xml:"l_addr,attr"`
		LD   string `xml:"l_ld,attr"`
	} `xml:"library"`
}

// parseLibraryList parses the reply of qXfer:libraries-svr4:read. Entries
// without a file, like the vDSO, are skipped.
func parseLibraryList(data []byte) ([]library, error) {
	var list libraryListSvr4
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("malformed library list: %w", err)
	}
	var libs []library
	for _, l := range list.Libraries {
		if l.Name == "" || strings.HasPrefix(l.Name, "linux-vdso") || strings.HasPrefix(l.Name, "linux-gate") {
			continue
		}
		bias, err := strconv.ParseUint(strings.TrimPrefix(l.Addr, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed load address %q of %s", l.Addr, l.Name)
		}
		libs = append(libs, library{name: l.Name, bias: bias})
	}
	return libs, nil
}
