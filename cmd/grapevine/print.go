package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/Mach-34/grapevine/internal/ipc"
)

func printHeader(msg string) {
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("\n%s\n%s%s\n%s\n",
		cyan(strings.Repeat("=", 64)),
		strings.Repeat(" ", (64-len(msg))/2), msg,
		cyan(strings.Repeat("=", 64)))
}

func printSection(msg string) {
	blue := color.New(color.FgBlue).SprintFunc()
	fmt.Printf("\n%s %s %s\n",
		blue(strings.Repeat("=", (64-len(msg)-2)/2)),
		msg,
		blue(strings.Repeat("=", (64-len(msg)-2)/2)))
}

func printSuccess(msg string) {
	fmt.Printf("%s  %s\n", color.GreenString("✔"), msg)
}

func printError(msg string) {
	fmt.Printf("%s  [ERROR] %s\n", color.RedString("✖"), msg)
}

func printInfo(msg string) {
	fmt.Printf("%s  %s\n", color.BlueString("ℹ"), msg)
}

// writeChain renders a chain as an indented tree, one node per line.
func writeChain(w io.Writer, nodes []ipc.NodeView) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, "   (no nodes)")
		return
	}
	for _, n := range nodes {
		var indent string
		if n.Degree > 1 {
			indent = strings.Repeat("   ", n.Degree-1)
		}
		state := color.GreenString("active")
		if n.Inactive {
			state = color.YellowString("inactive")
		}
		fmt.Fprintf(w, "   %s└─ d%d %s owner=%s %s", indent, n.Degree, shortID(n.ID), n.Owner, state)
		if n.Preceding != "" {
			fmt.Fprintf(w, " preceding=%s", shortID(n.Preceding))
		}
		if len(n.Proceeding) > 0 {
			fmt.Fprintf(w, " proceeding=%d", len(n.Proceeding))
		}
		if verbose {
			fmt.Fprintf(w, " proof=%dB created=%s", n.ProofBytes, n.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		fmt.Fprintln(w)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 && !verbose {
		return id[:8]
	}
	return id
}
