//go:build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra/doc"

	"github.com/go-delve/ndap/cmd/ndap/cmds"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0o755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New()
	if err := doc.GenMarkdownTree(root, usageDir); err != nil {
		log.Fatal(err)
	}
	// GenMarkdownTree skips help topics, they are written one by one
	for _, topic := range []string{"backend", "log"} {
		cmd, _, err := cmds.New().Find([]string{topic})
		if err != nil {
			log.Fatal(err)
		}
		f, err := os.Create(filepath.Join(usageDir, "ndap_"+topic+".md"))
		if err != nil {
			log.Fatal(err)
		}
		if err := doc.GenMarkdown(cmd, f); err != nil {
			log.Fatal(err)
		}
		f.Close()
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "ndap.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to ndap.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [ndap log](ndap_log.md)\t - Help about logging flags")
	fmt.Fprintln(fh, "* [ndap backend](ndap_backend.md)\t - Help about the `--backend` flag")
}
