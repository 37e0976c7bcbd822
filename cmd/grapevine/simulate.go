package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/internal/service"
	"github.com/Mach-34/grapevine/pkg/witness"
)

const defaultPhrase = "the owls are not what they seem"

var (
	simPhrase string
	simSeed   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the reference proving scenarios against the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, _, err := setup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var builder *witness.Builder
		if simSeed != "" {
			builder = witness.NewBuilder(witness.NewSeededSource([]byte(simSeed)))
		}
		a, err := newApp(ctx, cfg, logger, builder)
		if err != nil {
			return err
		}
		defer a.Close()

		printHeader("Grapevine Simulation")
		printInfo(fmt.Sprintf("Backend: %s", cfg.Store.Backend))

		report, err := runScenarios(ctx, a, simPhrase)
		if report == nil {
			return err
		}
		for _, o := range report.Outcomes {
			printSection(o.Name)
			if o.Err != nil {
				printError(o.Err.Error())
				continue
			}
			printSuccess(o.Detail)
		}
		if err != nil && len(report.Violations) == 0 {
			printError(err.Error())
			a.Close()
			os.Exit(1)
		}

		printSection("Chain")
		nodes, err := localSource{app: a}.Snapshot(ctx, report.PhraseHash)
		if err != nil {
			return err
		}
		writeChain(os.Stdout, nodes)

		printSection("Audit")
		if len(report.Violations) > 0 {
			for _, v := range report.Violations {
				printError(v)
			}
			a.Close()
			os.Exit(1)
		}
		printSuccess("Invariants hold")

		printHeader("Simulation Complete")
		color.New(color.BgBlue, color.FgWhite).Printf("   ALL SCENARIOS PASSED   \n")
		return nil
	},
}

// scenarioOutcome is the result of one scenario step.
type scenarioOutcome struct {
	Name   string
	Detail string
	Err    error
}

// simulationReport collects a full run.
type simulationReport struct {
	PhraseHash string
	Outcomes   []scenarioOutcome
	Violations []string
}

// simulation holds the cast and the ids produced so far.
type simulation struct {
	app    *app
	phrase string

	alice, bob, carol, dave *crypto.Identity

	rootID, bobID, carolID string
}

// runScenarios plays the reference scenarios in order, stopping at the first
// failure, and audits the phrase afterwards.
func runScenarios(ctx context.Context, a *app, phrase string) (*simulationReport, error) {
	phraseHash, err := service.PhraseHash(phrase)
	if err != nil {
		return nil, err
	}
	sim := &simulation{app: a, phrase: phrase}
	if err := sim.cast(); err != nil {
		return nil, err
	}

	report := &simulationReport{PhraseHash: phraseHash}
	steps := []struct {
		name string
		run  func(context.Context) (string, error)
	}{
		{"A. Identity proof", sim.identityProof},
		{"B. First degree", sim.firstDegree},
		{"C. Second degree", sim.secondDegree},
		{"D. No improvement", sim.noImprovement},
		{"E. Supersession", sim.supersession},
	}
	for _, step := range steps {
		detail, err := step.run(ctx)
		report.Outcomes = append(report.Outcomes, scenarioOutcome{Name: step.name, Detail: detail, Err: err})
		if err != nil {
			return report, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	violations, err := localSource{app: a}.Audit(ctx, phraseHash)
	if err != nil {
		return report, err
	}
	report.Violations = violations
	if len(violations) > 0 {
		return report, fmt.Errorf("%w: %d violations", chainerr.ErrChainInconsistency, len(violations))
	}
	return report, nil
}

func (s *simulation) cast() error {
	for _, who := range []struct {
		name string
		dst  **crypto.Identity
	}{
		{"alice", &s.alice}, {"bob", &s.bob}, {"carol", &s.carol}, {"dave", &s.dave},
	} {
		id, err := crypto.GenerateIdentity(who.name)
		if err != nil {
			return err
		}
		*who.dst = id
	}
	return nil
}

// relate issues authorizations both ways so the edge becomes active.
func (s *simulation) relate(ctx context.Context, a, b *crypto.Identity) error {
	if _, err := s.app.dir.Add(ctx, a, b.PublicKey()); err != nil {
		return err
	}
	_, err := s.app.dir.Add(ctx, b, a.PublicKey())
	return err
}

func (s *simulation) identityProof(ctx context.Context) (string, error) {
	res, err := s.app.svc.ProveIdentity(ctx, s.alice, s.phrase)
	if err != nil {
		return "", err
	}
	n := res.Node
	if n.Degree != 1 || n.Inactive || n.Owner != s.alice.ID {
		return "", fmt.Errorf("unexpected root %s: degree %d owner %s inactive %t", n.ID, n.Degree, n.Owner, n.Inactive)
	}
	s.rootID = n.ID
	return fmt.Sprintf("alice holds %s at degree 1", shortID(n.ID)), nil
}

func (s *simulation) firstDegree(ctx context.Context) (string, error) {
	if err := s.relate(ctx, s.alice, s.bob); err != nil {
		return "", err
	}
	res, err := s.app.svc.ProveDegree(ctx, s.bob, s.alice.PublicKey(), s.rootID)
	if err != nil {
		return "", err
	}
	if res.Node.Degree != 2 {
		return "", fmt.Errorf("bob proved degree %d, want 2", res.Node.Degree)
	}
	s.bobID = res.Node.ID

	root, err := s.app.backend.GetNode(ctx, s.rootID)
	if err != nil {
		return "", err
	}
	if !slices.Contains(root.Proceeding, s.bobID) {
		return "", fmt.Errorf("root does not list %s as proceeding", s.bobID)
	}
	return fmt.Sprintf("alice(1) <- bob(2) via %s", shortID(s.bobID)), nil
}

func (s *simulation) secondDegree(ctx context.Context) (string, error) {
	if err := s.relate(ctx, s.bob, s.carol); err != nil {
		return "", err
	}
	res, err := s.app.svc.ProveDegree(ctx, s.carol, s.bob.PublicKey(), s.bobID)
	if err != nil {
		return "", err
	}
	if res.Node.Degree != 3 {
		return "", fmt.Errorf("carol proved degree %d, want 3", res.Node.Degree)
	}
	s.carolID = res.Node.ID
	return fmt.Sprintf("alice(1) <- bob(2) <- carol(3) via %s", shortID(s.carolID)), nil
}

func (s *simulation) noImprovement(ctx context.Context) (string, error) {
	if err := s.relate(ctx, s.dave, s.bob); err != nil {
		return "", err
	}
	daveRoot, err := s.app.svc.ProveIdentity(ctx, s.dave, s.phrase)
	if err != nil {
		return "", err
	}
	_, err = s.app.svc.ProveDegree(ctx, s.bob, s.dave.PublicKey(), daveRoot.Node.ID)
	if !errors.Is(err, chainerr.ErrThresholdNotMet) {
		return "", fmt.Errorf("expected %v, got %v", chainerr.ErrThresholdNotMet, err)
	}
	f, err := s.app.store.Frontier(ctx, s.bob.ID, daveRoot.Node.PhraseHash)
	if err != nil {
		return "", err
	}
	if f == nil || f.ID != s.bobID {
		return "", errors.New("bob's frontier changed after a rejected append")
	}
	return "a second degree 2 path for bob was rejected; chain unchanged", nil
}

func (s *simulation) supersession(ctx context.Context) (string, error) {
	res, err := s.app.svc.ProveIdentity(ctx, s.bob, s.phrase)
	if err != nil {
		return "", err
	}
	if res.Superseded != s.bobID {
		return "", fmt.Errorf("superseded %q, want %s", res.Superseded, s.bobID)
	}
	if len(res.Pruned) != 0 {
		return "", fmt.Errorf("pruned %v while carol depends on bob", res.Pruned)
	}
	old, err := s.app.backend.GetNode(ctx, s.bobID)
	if err != nil {
		return "", err
	}
	if !old.Inactive {
		return "", errors.New("superseded node is still active")
	}
	root, err := s.app.backend.GetNode(ctx, s.rootID)
	if err != nil {
		return "", err
	}
	if root.Inactive {
		return "", errors.New("alice's root was inactivated")
	}
	return fmt.Sprintf("bob now holds degree 1; %s kept inactive for carol", shortID(s.bobID)), nil
}

func init() {
	simulateCmd.Flags().StringVar(&simPhrase, "phrase", defaultPhrase, "secret phrase the scenarios prove knowledge of")
	simulateCmd.Flags().StringVar(&simSeed, "seed", "", "seed for reproducible chaff")
	rootCmd.AddCommand(simulateCmd)
}
