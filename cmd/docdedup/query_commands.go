package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/japaniel/docdedup/pkg/query"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate counts for the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQuery(func(svc *query.Service) error {
				st, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, st)
				}
				rows := [][]string{
					{"Canonical documents", strconv.Itoa(st.TotalDocuments)},
					{"Sources", strconv.Itoa(st.TotalSources)},
					{"Duplicate groups", strconv.Itoa(st.DuplicateGroups)},
					{"Fuzzy merges", strconv.Itoa(st.FuzzyMerges)},
					{"Partial overlaps", strconv.Itoa(st.Overlaps)},
					{"Pending reviews", strconv.Itoa(st.PendingReviews)},
					{"Sources per document", strconv.FormatFloat(st.AvgSourcesPerDocument, 'f', 2, 64)},
					{"Duplicate rate", formatPercent(st.DuplicateRate)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderPairs("Metric", "Value", rows))
				return nil
			})
		},
	}
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var params query.SearchParams

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search canonical documents by text and metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				params.Text = args[0]
			}
			if params.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return ctx.withQuery(func(svc *query.Service) error {
				hits, err := svc.Search(cmd.Context(), params)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, hits)
				}
				out := cmd.OutOrStdout()
				if len(hits) == 0 {
					fmt.Fprintln(out, "No matching documents")
					return nil
				}
				rows := make([][]string, 0, len(hits))
				for _, h := range hits {
					rows = append(rows, []string{
						strconv.FormatInt(h.ID, 10),
						h.DocumentType,
						deref(h.Date),
						truncate(deref(h.Subject), 40),
						strconv.Itoa(h.Sources),
						truncate(oneLine(h.Snippet), 60),
					})
				}
				headers := []string{"ID", "Type", "Date", "Subject", "Sources", "Text"}
				aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
				fmt.Fprintln(out, renderTable(headers, rows, aligns))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&params.DocumentType, "type", "", "Only documents of this type")
	cmd.Flags().StringVar(&params.From, "from", "", "Sender contains")
	cmd.Flags().StringVar(&params.To, "to", "", "Recipient contains")
	cmd.Flags().StringVar(&params.Subject, "subject", "", "Subject contains")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "Maximum results (default 50)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a canonical document with its sources and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			return ctx.withQuery(func(svc *query.Service) error {
				detail, err := svc.Document(cmd.Context(), id)
				if query.IsNotFound(err) {
					return fmt.Errorf("document %d not found", id)
				}
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, detail)
				}
				renderDocumentDetail(cmd, detail)
				return nil
			})
		},
	}
}

func renderDocumentDetail(cmd *cobra.Command, d query.DocumentDetail) {
	out := cmd.OutOrStdout()
	doc := d.Document
	fmt.Fprintf(out, "Document %d (%s)\n", doc.ID, doc.DocumentType)
	fmt.Fprintf(out, "Content hash:  %s\n", doc.ContentHash)
	fmt.Fprintf(out, "OCR quality:   %.2f\n", doc.OCRQualityScore)
	if m := doc.Metadata; m.Date != nil || m.From != nil || m.To != nil || m.Subject != nil {
		fmt.Fprintf(out, "Date:          %s\n", deref(m.Date))
		fmt.Fprintf(out, "From:          %s\n", deref(m.From))
		fmt.Fprintf(out, "To:            %s\n", deref(m.To))
		fmt.Fprintf(out, "Subject:       %s\n", deref(m.Subject))
	}
	fmt.Fprintf(out, "Updated:       %s\n\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))

	rows := make([][]string, 0, len(d.Sources))
	for _, s := range d.Sources {
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			s.SourceName,
			s.Collection,
			s.OriginalIdentifier,
			strconv.FormatFloat(s.OCRQualityScore, 'f', 2, 64),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Source", "Name", "Collection", "Identifier", "Quality"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
	))

	if len(d.Groups) > 0 {
		rows = rows[:0]
		for _, g := range d.Groups {
			rows = append(rows, []string{
				strconv.FormatInt(g.ID, 10),
				g.DetectionMethod,
				strconv.FormatFloat(g.SimilarityScore, 'f', 3, 64),
				joinIDs(g.SourceIDs),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Group", "Method", "Similarity", "Sources"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
		))
	}

	if len(d.Overlaps) > 0 {
		rows = rows[:0]
		for _, o := range d.Overlaps {
			other := o.DocumentAID
			if other == doc.ID {
				other = o.DocumentBID
			}
			rows = append(rows, []string{
				strconv.FormatInt(other, 10),
				formatPercent(o.OverlapRatio),
				strconv.Itoa(len(o.Regions)),
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Overlaps with", "Ratio", "Regions"},
			rows,
			[]columnAlignment{alignRight, alignRight, alignRight},
		))
	}

	if len(d.History) > 0 {
		fmt.Fprintf(out, "Text replaced %d time(s); last previous score %.2f\n",
			len(d.History), d.History[len(d.History)-1].PreviousScore)
	}
}

func newReviewCommand(ctx *commandContext) *cobra.Command {
	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect documents queued for manual review",
	}
	reviewCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending ambiguous merges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQuery(func(svc *query.Service) error {
				reviews, err := svc.Reviews(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, reviews)
				}
				out := cmd.OutOrStdout()
				if len(reviews) == 0 {
					fmt.Fprintln(out, "No pending reviews")
					return nil
				}
				rows := make([][]string, 0, len(reviews))
				for _, r := range reviews {
					candidates := make([]string, 0, len(r.Candidates))
					for _, c := range r.Candidates {
						candidates = append(candidates, fmt.Sprintf("%d (%.3f)", c.CanonicalID, c.Similarity))
					}
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10),
						r.SourceName,
						r.OriginalIdentifier,
						strings.Join(candidates, ", "),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Review", "Source", "Identifier", "Candidates"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	})
	return reviewCmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
