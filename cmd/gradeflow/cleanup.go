package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge consumed change records from the local database",
	Long: `Delete SQLite change records that every stream cursor has already
consumed and that are older than --older-than.

Examples:
  gradeflow cleanup                    # purge changes older than a day
  gradeflow cleanup --older-than 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		set, err := buildBackends(ctx, live.Current())
		if err != nil {
			return err
		}
		defer set.Close()
		if set.db == nil {
			return errors.New("cleanup only applies to the sqlite store")
		}
		n, err := set.db.PurgeChanges(ctx, cleanupOlderThan)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("purged %d change records", n), color.FgGreen)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 24*time.Hour, "Minimum age of purged records")
}
