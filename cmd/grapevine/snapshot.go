package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mach-34/grapevine/internal/ipc"
)

var (
	snapshotByHash bool
	snapshotJSON   bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [phrase...]",
	Short: "Print stored proof chains",
	Long: `Print the proof chain of each given phrase, or of every stored phrase when
none is given. Reads the configured store, or a running daemon with --socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer src.Close()

		phrases, err := resolvePhrases(ctx, src, args, snapshotByHash)
		if err != nil {
			return err
		}

		chains := make(map[string][]ipc.NodeView, len(phrases))
		for _, p := range phrases {
			nodes, err := src.Snapshot(ctx, p)
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", p, err)
			}
			chains[p] = nodes
		}

		if snapshotJSON {
			return writeJSON(os.Stdout, chains)
		}
		if len(phrases) == 0 {
			printInfo("No chains stored")
			return nil
		}
		for _, p := range phrases {
			printSection(shortID(p))
			writeChain(os.Stdout, chains[p])
		}
		return nil
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotByHash, "hash", false, "arguments are phrase hashes rather than phrases")
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "print JSON")
	rootCmd.AddCommand(snapshotCmd)
}
