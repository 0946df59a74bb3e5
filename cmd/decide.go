package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/donorlink/donorlink/internal/db"
	"github.com/donorlink/donorlink/internal/notifications"
)

var (
	decideUser     string
	decideAppState string
	decideActivity string
	decideAt       string
)

var decideCmd = &cobra.Command{
	Use:   "decide <event-type>",
	Short: "Show how an event would be delivered, without sending anything",
	Long: `Classifies the event type and runs the delivery decision for the given
runtime context. With --user the stored preferences of that user are read
from the database; otherwise the defaults are used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType := notifications.EventType(args[0])
		priority, err := notifications.Classify(eventType)
		if err != nil {
			return err
		}

		now := time.Now()
		if decideAt != "" {
			if now, err = time.Parse(time.RFC3339, decideAt); err != nil {
				return fmt.Errorf("--at: %w", err)
			}
		}

		prefs := notifications.DefaultPreferences(decideUser)
		if decideUser != "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer database.Close()

			stored, err := notifications.NewPreferenceStore(database).Get(cmd.Context(), decideUser)
			if err != nil {
				return err
			}
			prefs = *stored
		}

		ev := notifications.Event{Type: eventType, UserID: decideUser, Title: string(eventType), CreatedAt: now}
		rc := notifications.RuntimeContext{
			AppState: notifications.AppState(decideAppState),
			Activity: notifications.ActivityLevel(decideActivity),
			Now:      now,
		}

		out := struct {
			Config   notifications.PriorityConfig `json:"config"`
			Decision notifications.Decision       `json:"decision"`
		}{priority, notifications.Decide(ev, prefs, priority, rc)}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	decideCmd.Flags().StringVar(&decideUser, "user", "", "read this user's stored preferences")
	decideCmd.Flags().StringVar(&decideAppState, "app-state", string(notifications.AppBackground), "foreground, background or unknown")
	decideCmd.Flags().StringVar(&decideActivity, "activity", string(notifications.ActivityLow), "high, medium or low")
	decideCmd.Flags().StringVar(&decideAt, "at", "", "evaluate at this RFC3339 time instead of now")
	rootCmd.AddCommand(decideCmd)
}
