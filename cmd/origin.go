package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/andes-mobility/attribution-cli/internal/origin"
)

var originCmd = &cobra.Command{
	Use:   "origin",
	Short: "Determine and audit acquisition origins",
}

var originDetermineCmd = &cobra.Command{
	Use:   "determine [person-id]",
	Short: "Run origin determination for a person, or sweep all persons missing one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		allMissing, _ := cmd.Flags().GetBool("all-missing")
		limit, _ := cmd.Flags().GetInt("limit")
		if allMissing == (len(args) == 1) {
			return eris.New("origin determine: pass a person id or --all-missing, not both")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if allMissing {
			result, err := env.origins.DetermineMissing(ctx, limit)
			if err != nil {
				return eris.Wrap(err, "origin determine")
			}
			return printJSON(result)
		}

		decision, err := env.origins.DetermineAndApply(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "origin determine")
		}
		if decision == nil {
			fmt.Fprintln(os.Stderr, "No origin determinable for this person.")
			return nil
		}

		return printJSON(decision)
	},
}

var originShowCmd = &cobra.Command{
	Use:   "show <person-id>",
	Short: "Show the decided origin for a person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.originStore.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "origin show")
		}
		if o == nil {
			return eris.Errorf("origin show: no origin decided for person %s", args[0])
		}

		return printJSON(o)
	},
}

var originHistoryCmd = &cobra.Command{
	Use:   "history <person-id>",
	Short: "Show the origin change history for a person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		history, err := env.originStore.History(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "origin history")
		}
		if len(history) == 0 {
			fmt.Fprintln(os.Stderr, "No origin history for this person.")
			return nil
		}

		return printJSON(history)
	},
}

var originResolveCmd = &cobra.Command{
	Use:   "resolve <person-id>",
	Short: "Manually resolve a person's origin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rawTag, _ := cmd.Flags().GetString("tag")
		reason, _ := cmd.Flags().GetString("reason")

		var tag origin.Tag
		if rawTag != "" {
			parsed, err := origin.ParseTag(rawTag)
			if err != nil {
				return err
			}
			tag = parsed
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.origins.Override(ctx, args[0], tag, origin.StatusResolvedManual, reason); err != nil {
			return eris.Wrap(err, "origin resolve")
		}

		fmt.Printf("Origin for %s resolved manually.\n", args[0])
		return nil
	},
}

var originMarkLegacyCmd = &cobra.Command{
	Use:   "mark-legacy <person-id>",
	Short: "Mark a person's origin as legacy-external",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.origins.Override(ctx, args[0], origin.TagLegacyExternal, origin.StatusMarkedLegacy, reason); err != nil {
			return eris.Wrap(err, "origin mark-legacy")
		}

		fmt.Printf("Origin for %s marked legacy.\n", args[0])
		return nil
	},
}

var originDiscardCmd = &cobra.Command{
	Use:   "discard <person-id>",
	Short: "Discard a person's decided origin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.origins.Override(ctx, args[0], "", origin.StatusDiscarded, reason); err != nil {
			return eris.Wrap(err, "origin discard")
		}

		fmt.Printf("Origin for %s discarded.\n", args[0])
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	originDetermineCmd.Flags().Bool("all-missing", false, "sweep every person with links but no decided origin")
	originDetermineCmd.Flags().Int("limit", 500, "maximum persons per sweep")
	originResolveCmd.Flags().String("tag", "", "origin tag to assign (defaults to the current one)")
	originResolveCmd.Flags().String("reason", "", "free-text reason recorded in the audit trail")
	originMarkLegacyCmd.Flags().String("reason", "", "free-text reason recorded in the audit trail")
	originDiscardCmd.Flags().String("reason", "", "free-text reason recorded in the audit trail")

	originCmd.AddCommand(originDetermineCmd)
	originCmd.AddCommand(originShowCmd)
	originCmd.AddCommand(originHistoryCmd)
	originCmd.AddCommand(originResolveCmd)
	originCmd.AddCommand(originMarkLegacyCmd)
	originCmd.AddCommand(originDiscardCmd)
	rootCmd.AddCommand(originCmd)
}
