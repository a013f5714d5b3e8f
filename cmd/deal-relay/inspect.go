// ABOUTME: Operator commands that query a running relay over HTTP
// ABOUTME: health, agents and transactions render with lipgloss styles and tabwriter columns

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/2389/deal-relay/internal/catalog"
	"github.com/2389/deal-relay/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))
)

// readyResponse is the body of GET /health/ready
type readyResponse struct {
	OK     bool `json:"ok"`
	Agents int  `json:"agents"`
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running relay is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRelayClient(opts)
			if err != nil {
				return err
			}
			var ready readyResponse
			if err := client.getJSON(cmd.Context(), "/health/ready", &ready); err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("healthy")+
				dateStyle.Render(fmt.Sprintf(" (%d agents)", ready.Agents)))
			return nil
		},
	}
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agent catalog grouped by stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRelayClient(opts)
			if err != nil {
				return err
			}
			var grouped map[string][]*catalog.Agent
			if err := client.getJSON(cmd.Context(), "/agents", &grouped); err != nil {
				return err
			}
			if asJSON {
				return writeIndentedJSON(cmd.OutOrStdout(), grouped)
			}
			renderAgents(cmd.OutOrStdout(), grouped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newTransactionsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "transactions [id]",
		Aliases: []string{"txns"},
		Short:   "List transactions, or show one in full",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRelayClient(opts)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				var txn store.Transaction
				if err := client.getJSON(cmd.Context(), "/transactions/"+args[0], &txn); err != nil {
					return err
				}
				if asJSON {
					return writeIndentedJSON(cmd.OutOrStdout(), txn)
				}
				renderTransaction(cmd.OutOrStdout(), &txn)
				return nil
			}

			var txns []*store.Transaction
			if err := client.getJSON(cmd.Context(), "/transactions", &txns); err != nil {
				return err
			}
			if asJSON {
				return writeIndentedJSON(cmd.OutOrStdout(), txns)
			}
			renderTransactions(cmd.OutOrStdout(), txns, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stageOrder lists the standard stages first, then any others alphabetically
func stageOrder(grouped map[string][]*catalog.Agent) []string {
	order := append([]string(nil), catalog.Stages...)
	var extra []string
	for stage := range grouped {
		if !slices.Contains(catalog.Stages, stage) {
			extra = append(extra, stage)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

func renderAgents(w io.Writer, grouped map[string][]*catalog.Agent) {
	total := 0
	for _, agents := range grouped {
		total += len(agents)
	}
	if total == 0 {
		fmt.Fprintln(w, headerStyle.Render("No agents configured"))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d agent(s)", total)))

	for _, stage := range stageOrder(grouped) {
		agents := grouped[stage]
		fmt.Fprintln(w)
		fmt.Fprintln(w, stageStyle.Render(stage)+" "+countStyle.Render(strconv.Itoa(len(agents))))
		if len(agents) == 0 {
			continue
		}

		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		for _, a := range agents {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", idStyle.Render(a.ID), a.Name, dateStyle.Render(a.WebhookPath))
		}
		_ = tw.Flush()
	}
}

func renderTransactions(w io.Writer, txns []*store.Transaction, now time.Time) {
	if len(txns) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No transactions found"))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d transaction(s)", len(txns))))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, titleStyle.Render("ID")+"\t"+titleStyle.Render("Description")+"\t"+
		titleStyle.Render("Stages")+"\t"+titleStyle.Render("Messages")+"\t"+titleStyle.Render("Updated"))

	for _, txn := range txns {
		desc := txn.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			idStyle.Render(shortID(txn.ID)),
			desc,
			countStyle.Render(fmt.Sprintf("%d/%d", filledFields(txn), len(store.DomainFields))),
			countStyle.Render(strconv.Itoa(len(txn.History))),
			dateStyle.Render(relativeTime(txn.UpdatedAt, now)),
		)
	}
	_ = tw.Flush()
}

func renderTransaction(w io.Writer, txn *store.Transaction) {
	fmt.Fprintln(w, headerStyle.Render(txn.Description))
	fmt.Fprintln(w, idStyle.Render(txn.ID)+dateStyle.Render(fmt.Sprintf("  rev %d  updated %s",
		txn.Revision, txn.UpdatedAt.Local().Format("2006-01-02 15:04"))))

	for _, field := range store.DomainFields {
		value, _ := txn.Field(field)
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render(field))
		if value == "" {
			fmt.Fprintln(w, dateStyle.Render("  (empty)"))
			continue
		}
		for _, line := range strings.Split(value, "\n") {
			fmt.Fprintln(w, "  "+line)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("history")+" "+countStyle.Render(strconv.Itoa(len(txn.History))))
	for _, h := range txn.History {
		fmt.Fprintln(w, "  "+stageStyle.Render(h.Sender+":")+" "+h.Message)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func filledFields(txn *store.Transaction) int {
	n := 0
	for _, field := range store.DomainFields {
		if v, _ := txn.Field(field); v != "" {
			n++
		}
	}
	return n
}

func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return t.Local().Format("Mon 15:04")
	default:
		return t.Local().Format("2006-01-02")
	}
}
