package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var auditByHash bool

var auditCmd = &cobra.Command{
	Use:   "audit [phrase...]",
	Short: "Check stored chains against the store invariants",
	Long: `Audit the proof chain of each given phrase, or of every stored phrase when
none is given. Exits non-zero when any violation is found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer src.Close()

		phrases, err := resolvePhrases(ctx, src, args, auditByHash)
		if err != nil {
			return err
		}

		printHeader("Chain Audit")
		failed := 0
		for _, p := range phrases {
			violations, err := src.Audit(ctx, p)
			if err != nil {
				return fmt.Errorf("audit %s: %w", p, err)
			}
			printSection(shortID(p))
			if len(violations) == 0 {
				printSuccess("Invariants hold")
				continue
			}
			failed++
			for _, v := range violations {
				printError(v)
			}
		}

		if failed > 0 {
			printError(fmt.Sprintf("%d of %d chains inconsistent", failed, len(phrases)))
			src.Close()
			os.Exit(1)
		}
		printInfo(fmt.Sprintf("%d chains audited", len(phrases)))
		return nil
	},
}

func init() {
	auditCmd.Flags().BoolVar(&auditByHash, "hash", false, "arguments are phrase hashes rather than phrases")
	rootCmd.AddCommand(auditCmd)
}
