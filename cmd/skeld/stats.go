package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session statistics for the running daemon",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	response, err := queryDaemon(root, `{"action":"status"}`)
	if err != nil {
		return err
	}
	session, ok := response["session"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("daemon response has no session payload")
	}

	if outputFlag != "human" {
		return printResponse(session)
	}

	fmt.Printf("Tool calls:     %.0f\n", num(session["tool_calls"]))
	fmt.Printf("Tokens served:  %.0f\n", num(session["tokens_served"]))
	fmt.Printf("Tokens avoided: %.0f\n", num(session["tokens_avoided"]))
	fmt.Printf("Reduction:      %.1f%%\n", num(session["reduction_pct"]))
	fmt.Printf("Session age:    %.0fs\n", num(session["duration_s"]))

	breakdown, ok := session["breakdown"].(map[string]interface{})
	if !ok || len(breakdown) == 0 {
		return nil
	}

	actions := make([]string, 0, len(breakdown))
	for action := range breakdown {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	fmt.Println("\nPer action:")
	for _, action := range actions {
		entry := breakdown[action].(map[string]interface{})
		fmt.Printf("  %-20s calls=%-5.0f served=%-8.0f avoided=%.0f\n",
			action, num(entry["calls"]), num(entry["tokens_served"]), num(entry["tokens_avoided"]))
	}
	return nil
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
