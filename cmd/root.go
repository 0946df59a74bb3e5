package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/donorlink/donorlink/internal/config"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "donorlink",
	Short: "Notification delivery and realtime chat server for blood donation clubs",
	Long: `donorlink decides how each notification reaches a donor (push, in-app,
both or not at all) and keeps club and direct-message chat transcripts in
sync across connected clients.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with DONORLINK_* overrides")
}
