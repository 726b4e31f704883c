package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rescale/mission-int/internal/credentials"
)

// newCredentialCmd creates the 'credential' command group.
func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage the encrypted service credential",
		Long: `Manage the passcode-encrypted file holding the compute and storage
service credential.

Commands:
  encrypt - Encrypt a credential entered interactively or taken from MISSION_* variables
  import  - Encrypt a legacy five-line plain-text credential file
  show    - Decrypt the credential file and show it with keys redacted`,
	}

	cmd.AddCommand(newCredentialEncryptCmd())
	cmd.AddCommand(newCredentialImportCmd())
	cmd.AddCommand(newCredentialShowCmd())
	return cmd
}

// credentialTarget resolves where the credential file is written or read.
func credentialTarget() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.CredentialPath()
}

// readPasscode prefers MISSION_PASSCODE, then a hidden terminal prompt, then
// a plain line from p when stdin is not a terminal.
func readPasscode(p *prompter, confirm bool) (string, error) {
	if os.Getenv(credentials.EnvPasscode) != "" || term.IsTerminal(int(os.Stdin.Fd())) {
		return credentials.PromptPasscode("Passcode: ", confirm)
	}
	return p.required("Passcode")
}

func newCredentialEncryptCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a credential into the credential file",
		Long: `Encrypt the service credential with a passcode.

Values are taken from MISSION_SERVICE_URL, MISSION_SERVICE_ACCOUNT,
MISSION_SERVICE_KEY, MISSION_STORAGE_ACCOUNT and MISSION_STORAGE_KEY (a .env
file in the current directory is read too). When none is set they are asked
for interactively. The passcode comes from MISSION_PASSCODE or a prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := credentialTarget()
			if err != nil {
				return err
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("credential file %s already exists; use --force to overwrite", path)
				}
			}

			if err := credentials.LoadDotEnv(".env"); err != nil {
				return err
			}
			cred, ok, err := credentials.FromEnv()
			if err != nil {
				return err
			}

			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Service Credential")
				fmt.Fprintln(cmd.OutOrStdout(), "==================")
				fields := []struct {
					label string
					dst   *string
				}{
					{"Compute service endpoint URL", &cred.ServiceEndpointURL},
					{"Compute service account name", &cred.ServiceAccountName},
					{"Compute service account key", &cred.ServiceAccountKey},
					{"Storage account name", &cred.StorageAccountName},
					{"Storage account key", &cred.StorageAccountKey},
				}
				for _, f := range fields {
					if *f.dst, err = p.required(f.label); err != nil {
						return err
					}
				}
			}

			passcode, err := readPasscode(p, true)
			if err != nil {
				return err
			}
			if err := credentials.WriteFile(path, passcode, cred); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("Credential encrypted")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Credential saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing credential file")
	return cmd
}

func newCredentialImportCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "import <plain-file>",
		Short: "Encrypt a plain-text credential file",
		Long: `Encrypt a legacy plain-text credential file. The file holds five lines:
compute account name, compute account key, compute endpoint URL, storage
account name and storage account key.

Delete the plain-text file once the import has succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := credentials.ReadPlainFile(args[0])
			if err != nil {
				return err
			}
			path, err := credentialTarget()
			if err != nil {
				return err
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("credential file %s already exists; use --force to overwrite", path)
				}
			}

			passcode, err := readPasscode(newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()), true)
			if err != nil {
				return err
			}
			if err := credentials.WriteFile(path, passcode, cred); err != nil {
				return err
			}

			GetLogger().Info().Str("from", args[0]).Str("path", path).Msg("Credential imported")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Credential saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing credential file")
	return cmd
}

func newCredentialShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Decrypt the credential file and show it with keys redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := credentialTarget()
			if err != nil {
				return err
			}
			passcode, err := readPasscode(newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()), false)
			if err != nil {
				return err
			}
			cred, err := credentials.ReadFile(path, passcode)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Credential file: %s\n", path)
			fmt.Fprintf(out, "  Endpoint:        %s\n", cred.ServiceEndpointURL)
			fmt.Fprintf(out, "  Account:         %s\n", cred.ServiceAccountName)
			fmt.Fprintf(out, "  Account key:     <set (%d chars)>\n", len(cred.ServiceAccountKey))
			fmt.Fprintf(out, "  Storage account: %s\n", cred.StorageAccountName)
			fmt.Fprintf(out, "  Storage key:     <set (%d chars)>\n", len(cred.StorageAccountKey))
			return nil
		},
	}
}
