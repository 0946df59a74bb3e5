package cmd

import (
	"github.com/spf13/cobra"

	"github.com/donorlink/donorlink/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a donorlink configuration with an interactive wizard",
	Long:  `Runs an interactive wizard for the server, database, realtime and push settings and writes donorlink.yml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard(cfgFile)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
