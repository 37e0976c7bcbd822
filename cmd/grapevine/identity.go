package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Mach-34/grapevine/internal/crypto"
	"github.com/Mach-34/grapevine/pkg/field"
)

// passphraseEnv is read when --passphrase is not given.
const passphraseEnv = "GRAPEVINE_PASSPHRASE"

var (
	idPassphrase string
	idMnemonic   string
	idForce      bool
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage prover identities in the keystore",
}

var identityNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create an identity with a recovery mnemonic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, pass, err := keystoreTarget(args[0])
		if err != nil {
			return err
		}
		id, mnemonic, err := crypto.NewIdentityWithMnemonic(args[0])
		if err != nil {
			return err
		}
		if err := saveIdentity(id, path, pass); err != nil {
			return err
		}

		printHeader("New Identity")
		printIdentity(id, path)
		printSection("Recovery Mnemonic")
		color.New(color.FgYellow).Println("   " + mnemonic)
		printInfo("Write these words down; they are not stored anywhere.")
		return nil
	},
}

var identityRecoverCmd = &cobra.Command{
	Use:   "recover <name>",
	Short: "Restore an identity from its mnemonic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if idMnemonic == "" {
			return errors.New("--mnemonic is required")
		}
		path, pass, err := keystoreTarget(args[0])
		if err != nil {
			return err
		}
		id, err := crypto.IdentityFromMnemonic(args[0], idMnemonic)
		if err != nil {
			return err
		}
		if err := saveIdentity(id, path, pass); err != nil {
			return err
		}
		printHeader("Identity Recovered")
		printIdentity(id, path)
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Decrypt and show a stored identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, pass, err := keystoreTarget(args[0])
		if err != nil {
			return err
		}
		id, err := crypto.LoadIdentity(path, pass)
		if err != nil {
			printError(err.Error())
			return err
		}
		printHeader("Identity")
		printIdentity(id, path)
		return nil
	},
}

// keystoreTarget returns the keystore file for name and the passphrase.
func keystoreTarget(name string) (string, string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", "", fmt.Errorf("invalid identity name %q", name)
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", "", err
	}
	pass := idPassphrase
	if pass == "" {
		pass = os.Getenv(passphraseEnv)
	}
	if pass == "" {
		return "", "", fmt.Errorf("a passphrase is required (--passphrase or %s)", passphraseEnv)
	}
	return filepath.Join(cfg.Identity.KeystoreDir, name+".key"), pass, nil
}

func saveIdentity(id *crypto.Identity, path, pass string) error {
	if _, err := os.Stat(path); err == nil && !idForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return crypto.SaveIdentity(id, path, pass)
}

func printIdentity(id *crypto.Identity, path string) {
	printInfo(fmt.Sprintf("Name:     %s", id.DisplayName))
	printInfo(fmt.Sprintf("ID:       %s", id.ID))
	printInfo(fmt.Sprintf("Address:  %s", field.Hex(id.Address())))
	printInfo(fmt.Sprintf("Keystore: %s", path))
}

func init() {
	identityCmd.PersistentFlags().StringVar(&idPassphrase, "passphrase", "", "keystore passphrase (default $"+passphraseEnv+")")
	identityNewCmd.Flags().BoolVar(&idForce, "force", false, "overwrite an existing keystore file")
	identityRecoverCmd.Flags().BoolVar(&idForce, "force", false, "overwrite an existing keystore file")
	identityRecoverCmd.Flags().StringVar(&idMnemonic, "mnemonic", "", "24-word BIP-39 recovery mnemonic")

	identityCmd.AddCommand(identityNewCmd, identityRecoverCmd, identityShowCmd)
	rootCmd.AddCommand(identityCmd)
}
