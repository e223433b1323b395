package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cl "cakesim/internal/cli"
	"cakesim/internal/config"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL
	adminToken := cfg.AdminToken

	root := &cobra.Command{
		Use:          "cakectl",
		Short:        "Cake factory game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newTeamCmd(&apiBase, &adminToken),
		newPricesCmd(&apiBase, &adminToken),
		newDemandCmd(&apiBase, &adminToken),
		newPlanCmd(&apiBase, &adminToken),
		newInvestCmd(&apiBase, &adminToken),
		newLeaderboardCmd(&apiBase, &adminToken),
		newRoundCmd(&apiBase, &adminToken),
		newAdminCmd(&apiBase, &adminToken),
		newSyncCmd(&apiBase, &adminToken),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase, adminToken *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"), strings.TrimSpace(*adminToken))
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func printJSON(v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(raw))
}

// priceLines parses repeated --line cake:channel:price flags.
func priceLines(values []string) ([]map[string]any, error) {
	lines := make([]map[string]any, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %q: want cake:channel:price", v)
		}
		if _, err := strconv.ParseFloat(parts[2], 64); err != nil {
			return nil, fmt.Errorf("line %q: bad price: %w", v, err)
		}
		lines = append(lines, map[string]any{
			"cake":      strings.TrimSpace(parts[0]),
			"channel":   strings.TrimSpace(parts[1]),
			"price_usd": strings.TrimSpace(parts[2]),
		})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("at least one --line is required")
	}
	return lines, nil
}

// planLines parses repeated --line cake:channel:qty flags.
func planLines(values []string) ([]map[string]any, error) {
	lines := make([]map[string]any, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %q: want cake:channel:qty", v)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("line %q: bad quantity: %w", v, err)
		}
		lines = append(lines, map[string]any{
			"cake":    strings.TrimSpace(parts[0]),
			"channel": strings.TrimSpace(parts[1]),
			"qty":     qty,
		})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("at least one --line is required")
	}
	return lines, nil
}

// resourceMap parses repeated name=quantity flags.
func resourceMap(values []string) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	for _, v := range values {
		name, qty, ok := strings.Cut(v, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want name=quantity", v)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(qty), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: bad quantity: %w", v, err)
		}
		out[strings.TrimSpace(name)] = f
	}
	return out, nil
}

// queueOffline stores a failed submission for later replay when the error
// looks like a connectivity problem rather than a rejection.
func queueOffline(err error, method, path string, body map[string]any, idem string) error {
	if strings.Contains(err.Error(), "api status") {
		return err
	}
	queue, qErr := cl.OpenQueue()
	if qErr == nil {
		qErr = queue.Append(cl.Command{
			Method:         method,
			Path:           path,
			Body:           body,
			IdempotencyKey: idem,
		})
	}
	if qErr != nil {
		return fmt.Errorf("%v (queueing also failed: %v)", err, qErr)
	}
	fmt.Println("server unreachable; submission queued, run `cakectl sync` later")
	return nil
}

func newTeamCmd(apiBase, adminToken *string) *cobra.Command {
	cmd := &cobra.Command{Use: "team", Short: "Team accounts"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Register a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).CreateTeam(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <team>",
		Short: "Show a team's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).Team(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	inventory := &cobra.Command{
		Use:   "inventory <team>",
		Short: "Show a team's stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).Inventory(ctx, args[0], category)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	inventory.Flags().String("category", "ingredient", "ingredient or capacity")
	cmd.AddCommand(inventory)
	return cmd
}

func newPricesCmd(apiBase, adminToken *string) *cobra.Command {
	cmd := &cobra.Command{Use: "prices", Short: "Price submissions"}

	submit := &cobra.Command{
		Use:   "submit <team>",
		Short: "Submit final prices for a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, _ := cmd.Flags().GetInt("round")
			values, _ := cmd.Flags().GetStringArray("line")
			lines, err := priceLines(values)
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).SubmitPrices(ctx, args[0], round, lines, idem)
			if err != nil {
				path := "/v1/teams/" + url.PathEscape(args[0]) + "/prices"
				return queueOffline(err, "POST", path, map[string]any{"round": round, "lines": lines}, idem)
			}
			printJSON(out)
			return nil
		},
	}
	submit.Flags().Int("round", 1, "round number")
	submit.Flags().StringArray("line", nil, "cake:channel:price (repeatable)")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "history <team>",
		Short: "Show submitted prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).PriceHistory(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	return cmd
}

func newDemandCmd(apiBase, adminToken *string) *cobra.Command {
	preview := &cobra.Command{
		Use:   "demand <team>",
		Short: "Preview demand for candidate prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, _ := cmd.Flags().GetInt("round")
			values, _ := cmd.Flags().GetStringArray("line")
			lines, err := priceLines(values)
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).PreviewDemand(ctx, args[0], round, lines)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	preview.Flags().Int("round", 1, "round number")
	preview.Flags().StringArray("line", nil, "cake:channel:price (repeatable)")
	return preview
}

func newPlanCmd(apiBase, adminToken *string) *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Production plans"}

	submit := &cobra.Command{
		Use:   "submit <team>",
		Short: "Submit a production plan for a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, _ := cmd.Flags().GetInt("round")
			values, _ := cmd.Flags().GetStringArray("line")
			lines, err := planLines(values)
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).SubmitPlan(ctx, args[0], round, lines, idem)
			if err != nil {
				path := "/v1/teams/" + url.PathEscape(args[0]) + "/plans"
				return queueOffline(err, "POST", path, map[string]any{"round": round, "lines": lines}, idem)
			}
			printJSON(out)
			return nil
		},
	}
	submit.Flags().Int("round", 1, "round number")
	submit.Flags().StringArray("line", nil, "cake:channel:qty (repeatable)")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "history <team>",
		Short: "Show submitted plans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).PlanHistory(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	return cmd
}

func newInvestCmd(apiBase, adminToken *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invest <team>",
		Short: "Buy ingredients and capacity hours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ingredientFlags, _ := cmd.Flags().GetStringArray("ingredient")
			capacityFlags, _ := cmd.Flags().GetStringArray("capacity")
			ingredients, err := resourceMap(ingredientFlags)
			if err != nil {
				return err
			}
			capacity, err := resourceMap(capacityFlags)
			if err != nil {
				return err
			}
			if len(ingredients)+len(capacity) == 0 {
				return fmt.Errorf("nothing to buy: pass --ingredient and/or --capacity")
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).Invest(ctx, args[0], ingredients, capacity, uuid.NewString())
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringArray("ingredient", nil, "name=quantity (repeatable)")
	cmd.Flags().StringArray("capacity", nil, "resource=hours (repeatable)")
	return cmd
}

func newLeaderboardCmd(apiBase, adminToken *string) *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "Teams by total value",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).Leaderboard(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newRoundCmd(apiBase, adminToken *string) *cobra.Command {
	return &cobra.Command{
		Use:   "round",
		Short: "Show the current round state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).Round(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newAdminCmd(apiBase, adminToken *string) *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Round administration (token required)"}

	cmd.AddCommand(&cobra.Command{
		Use:   "advance",
		Short: "Open the next round",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).AdvanceRound(ctx)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	lock := &cobra.Command{
		Use:   "lock",
		Short: "Lock or unlock submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			open, _ := cmd.Flags().GetBool("open")
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).LockRound(ctx, !open)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	lock.Flags().Bool("open", false, "unlock instead of lock")
	cmd.AddCommand(lock)

	finalize := &cobra.Command{
		Use:   "finalize",
		Short: "Settle a round for every team",
		RunE: func(cmd *cobra.Command, args []string) error {
			round, _ := cmd.Flags().GetInt("round")
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase, adminToken).Finalize(ctx, round)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	finalize.Flags().Int("round", 0, "round to finalize (0 = current)")
	cmd.AddCommand(finalize)
	return cmd
}

func newSyncCmd(apiBase, adminToken *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay submissions queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := cl.OpenQueue()
			if err != nil {
				return err
			}
			pending, err := queue.Commands()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			client := newClient(apiBase, adminToken)
			remaining := make([]cl.Command, 0, len(pending))
			for i, qc := range pending {
				ctx, cancel := cmdContext(cmd)
				err := client.Replay(ctx, qc)
				cancel()
				if err != nil {
					// Rejections are final, connectivity failures keep the
					// rest of the queue for the next sync.
					if strings.Contains(err.Error(), "api status") {
						fmt.Printf("dropped %s %s: %v\n", qc.Method, qc.Path, err)
						continue
					}
					remaining = append(remaining, pending[i:]...)
					break
				}
				fmt.Printf("replayed %s %s\n", qc.Method, qc.Path)
			}
			return queue.Rewrite(remaining)
		},
	}
}
