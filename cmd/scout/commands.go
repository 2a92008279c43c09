package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- discover ---

var discoverCmd = &cobra.Command{
	Use:   "discover <query>",
	Short: "Find resources matching a free-text query",
	Long: `Find resources matching a free-text query.

Examples:
  scout discover "find information about users"
  scout discover "customer orders" --types database,text2sql --min-confidence 0.3
  scout discover "send notifications" --limit 3 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typesStr, _ := cmd.Flags().GetString("types")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		asJSON, _ := cmd.Flags().GetBool("json")

		var types []string
		if typesStr != "" {
			types = strings.Split(typesStr, ",")
			for i := range types {
				types[i] = strings.TrimSpace(types[i])
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/discover", map[string]any{
			"query":          args[0],
			"max_results":    limit,
			"resource_types": types,
			"min_confidence": minConfidence,
		})
		if err != nil {
			return err
		}

		var result struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
			Results []struct {
				Resource struct {
					ResourceID  string `json:"resource_id"`
					Name        string `json:"resource_name"`
					Type        string `json:"resource_type"`
					Description string `json:"description"`
				} `json:"resource"`
				SimilarityScore float64 `json:"similarity_score"`
				ConfidenceScore float64 `json:"confidence_score"`
				Reasoning       string  `json:"reasoning"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Success {
			printError("discover failed: %s", result.Message)
			return fmt.Errorf("discover failed")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Results)
		}

		if len(result.Results) == 0 {
			printWarning("no resources matched")
			return nil
		}
		for i, m := range result.Results {
			fmt.Printf("%d. %s (%s) confidence %.2f similarity %.2f\n",
				i+1, m.Resource.Name, m.Resource.Type, m.ConfidenceScore, m.SimilarityScore)
			fmt.Printf("   %s — %s\n", m.Resource.ResourceID, m.Reasoning)
		}
		return nil
	},
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the vector index with the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("starting %s sync", map[bool]string{true: "full", false: "incremental"}[full])
		resp, err := client.post(cmd.Context(), "/sync", map[string]any{"force_full_sync": full})
		if err != nil {
			return err
		}

		var result struct {
			Success   bool   `json:"success"`
			Message   string `json:"message"`
			Operation struct {
				Status  string `json:"status"`
				Created int    `json:"created"`
				Updated int    `json:"updated"`
				Deleted int    `json:"deleted"`
				Failed  int    `json:"failed"`
			} `json:"operation"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Success {
			printError("sync failed: %s", result.Message)
			return fmt.Errorf("sync failed")
		}

		op := result.Operation
		if op.Status == "partial" {
			printWarning("sync partial: created %d, updated %d, deleted %d, failed %d",
				op.Created, op.Updated, op.Deleted, op.Failed)
		} else {
			printSuccess("sync %s: created %d, updated %d, deleted %d",
				op.Status, op.Created, op.Updated, op.Deleted)
		}
		return nil
	},
}

// --- resources ---

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Manage registered resources",
}

var resourcesListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List resources of one type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/resources?type=%s&limit=%d", args[0], limit))
		if err != nil {
			return err
		}

		var resources []struct {
			ResourceID          string `json:"resource_id"`
			Name                string `json:"resource_name"`
			Description         string `json:"description"`
			IsActive            bool   `json:"is_active"`
			VectorizationStatus string `json:"vectorization_status"`
		}
		if err := decodeJSON(resp, &resources); err != nil {
			return err
		}

		if len(resources) == 0 {
			printWarning("no %s resources registered", args[0])
			return nil
		}
		for _, r := range resources {
			state := "inactive"
			if r.IsActive {
				state = "active"
			}
			fmt.Printf("%s  %s  [%s, %s]\n", r.ResourceID, r.Name, state, r.VectorizationStatus)
		}
		return nil
	},
}

var resourcesAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register or update a resource",
	Long: `Register or update a resource.

Examples:
  scout resources add db_users --type database --name "User DB" \
      --description "user account store" --capabilities query,join
  scout resources add notify_api --type api --name "Notify" \
      --description "push and email notification API" --tags messaging`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		resourceType, _ := cmd.Flags().GetString("type")
		description, _ := cmd.Flags().GetString("description")
		capsStr, _ := cmd.Flags().GetString("capabilities")
		tagsStr, _ := cmd.Flags().GetString("tags")

		body := map[string]any{
			"resource_name": name,
			"resource_type": resourceType,
			"description":   description,
			"capabilities":  splitList(capsStr),
			"tags":          splitList(tagsStr),
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/resources/"+args[0], body)
		if err != nil {
			return err
		}

		var result struct {
			Created bool `json:"created"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Created {
			printSuccess("registered %s", args[0])
		} else {
			printSuccess("updated %s", args[0])
		}
		printStep("run 'scout sync' to index it")
		return nil
	},
}

var resourcesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a resource and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/resources/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("deleted %s", args[0])
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/statistics")
		if err != nil {
			printStatus("Server", "not reachable")
			return nil
		}

		var stats struct {
			PerType map[string]struct {
				Total      int `json:"total"`
				Active     int `json:"active"`
				Vectorized int `json:"vectorized"`
			} `json:"per_type"`
			RecentOperations []struct {
				Type       string `json:"type"`
				Status     string `json:"status"`
				FinishedAt string `json:"finished_at"`
			} `json:"recent_operations"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		for t, c := range stats.PerType {
			printStatus(t, "%d total, %d active, %d vectorized", c.Total, c.Active, c.Vectorized)
		}
		if len(stats.RecentOperations) > 0 {
			op := stats.RecentOperations[0]
			printStatus("Last sync", "%s (%s) at %s", op.Type, op.Status, op.FinishedAt)
		} else {
			printStatus("Last sync", "never")
		}
		return nil
	},
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func init() {
	discoverCmd.Flags().Int("limit", 5, "maximum number of results")
	discoverCmd.Flags().String("types", "", "comma-separated resource type filter")
	discoverCmd.Flags().Float64("min-confidence", 0, "minimum confidence score")
	discoverCmd.Flags().Bool("json", false, "print raw JSON results")

	syncCmd.Flags().Bool("full", false, "re-vectorize every active resource")

	resourcesListCmd.Flags().Int("limit", 20, "maximum number of resources")
	resourcesAddCmd.Flags().String("name", "", "resource display name")
	resourcesAddCmd.Flags().String("type", "", "resource type: database, api, tool, text2sql")
	resourcesAddCmd.Flags().String("description", "", "free-text description")
	resourcesAddCmd.Flags().String("capabilities", "", "comma-separated capability phrases")
	resourcesAddCmd.Flags().String("tags", "", "comma-separated tags")

	resourcesCmd.AddCommand(resourcesListCmd)
	resourcesCmd.AddCommand(resourcesAddCmd)
	resourcesCmd.AddCommand(resourcesRmCmd)
}
