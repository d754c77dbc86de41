package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollworks/tollsync/internal/agency"
)

var validateDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate agency connector config files",
	Long: `Parse and validate every agency YAML file in the config directory.

Reports schema violations, duplicate agency IDs, and auth settings that do
not match the declared auth method. Exits non-zero if any file is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configs, err := agency.LoadConfigs(validateDir)
		if err != nil {
			return err
		}

		for _, c := range configs {
			status := "enabled"
			if !c.Enabled {
				status = "disabled"
			}
			fmt.Printf("%-20s %-16s %-12s %s\n", c.ID, c.Protocol, c.AuthMethod, status)
		}
		fmt.Printf("\n%d agency config(s) valid\n", len(configs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateDir, "dir", "configs/agencies", "agency config directory")
}
