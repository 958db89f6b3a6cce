package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"codevolve/internal/model"
	"codevolve/internal/stats"
	"codevolve/pkg/codevolve"
)

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printRunSummary(s codevolve.RunSummary) error {
	if a.flags.output == "json" {
		return a.writeJSON(s)
	}
	fmt.Fprintf(a.stdout, "run_id=%s reason=%s generations=%d\n", s.RunID, s.Reason, len(s.Generations))
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GEN\tBEST\tMEAN\tOFFSPRING\tDIFF_FAIL\tGEN_UNAVAIL\tFLAGS")
	for _, g := range s.Generations {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			g.Generation,
			formatFitness(g.BestFitness),
			formatFitness(g.MeanFitness),
			humanize.Comma(int64(g.Offspring)),
			g.DiffApplyFailures,
			g.GeneratorUnavailable,
			generationFlags(g))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if s.NoViable || s.Best == nil {
		fmt.Fprintln(a.stdout, "no viable program found")
		return nil
	}
	fmt.Fprintf(a.stdout, "best=%s fitness=%s depth=%d lineage=%d\n",
		s.Best.ID, formatFitness(model.ScalarFitness(*s.Best)), s.Best.Depth, len(s.Lineage))
	fmt.Fprintln(a.stdout, strings.TrimRight(s.Best.Code, "\n"))
	return nil
}

func (a *app) printPrograms(programs []model.Program) error {
	if a.flags.output == "json" {
		return a.writeJSON(programs)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGEN\tDEPTH\tSTATUS\tFITNESS\tLATENCY_MS\tSIZE\tCREATED")
	for _, p := range programs {
		latency := "-"
		if v, ok := p.Metrics.Get(model.MetricAvgLatencyMS); ok {
			latency = humanize.FormatFloat("#,###.##", v)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.Generation,
			p.Depth,
			p.Status,
			formatFitness(model.ScalarFitness(p)),
			latency,
			humanize.Bytes(uint64(len(p.Code))),
			humanize.Time(p.CreatedAt))
	}
	return tw.Flush()
}

func (a *app) printGenerations(records []model.GenerationRecord) error {
	if a.flags.output == "json" {
		return a.writeJSON(records)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GEN\tMEMBERS\tBEST\tMEAN\tBEST_ID\tSTATUS\tCOMMITTED")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Generation,
			len(r.MemberIDs),
			formatFitness(r.Summary.BestFitness),
			formatFitness(r.Summary.MeanFitness),
			orDash(r.Summary.BestProgramID),
			formatStatusCounts(r.Summary.StatusCounts),
			humanize.Time(r.CommittedAt))
	}
	return tw.Flush()
}

func (a *app) printRunIndex(entries []stats.RunIndexEntry) error {
	if a.flags.output == "json" {
		return a.writeJSON(entries)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTASK\tPOP\tGENS\tSEED\tREASON\tBEST\tCREATED")
	for _, e := range entries {
		created := e.CreatedAtUTC
		if ts, err := time.Parse(time.RFC3339Nano, e.CreatedAtUTC); err == nil {
			created = humanize.Time(ts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			e.RunID, e.TaskID, e.PopulationSize, e.Generations, e.Seed, e.Reason,
			formatFitness(e.FinalBestFitness), created)
	}
	return tw.Flush()
}

func (a *app) printProgram(p model.Program) error {
	if a.flags.output == "json" {
		return a.writeJSON(p)
	}
	fmt.Fprintf(a.stdout, "id:         %s\n", p.ID)
	fmt.Fprintf(a.stdout, "run:        %s\n", p.RunID)
	fmt.Fprintf(a.stdout, "generation: %d\n", p.Generation)
	fmt.Fprintf(a.stdout, "depth:      %d\n", p.Depth)
	fmt.Fprintf(a.stdout, "parents:    %s\n", orDash(strings.Join(p.ParentIDs, ",")))
	fmt.Fprintf(a.stdout, "status:     %s\n", p.Status)
	fmt.Fprintf(a.stdout, "fitness:    %s\n", formatFitness(model.ScalarFitness(p)))
	fmt.Fprintf(a.stdout, "created:    %s (%s)\n", p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), humanize.Time(p.CreatedAt))

	names := make([]string, 0, len(p.Metrics))
	for name := range p.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.stdout, "metric:     %s=%g\n", name, p.Metrics[name])
	}
	for _, e := range p.Errors {
		fmt.Fprintf(a.stdout, "error:      %s\n", e)
	}
	fmt.Fprintln(a.stdout, "---")
	fmt.Fprintln(a.stdout, strings.TrimRight(p.Code, "\n"))
	return nil
}

func formatFitness(v float64) string {
	if v == model.SentinelFitness {
		return "never-ran"
	}
	return fmt.Sprintf("%.4f", v)
}

func formatStatusCounts(counts map[model.Status]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for status := range counts {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[model.Status(k)]))
	}
	return strings.Join(parts, ",")
}

func generationFlags(g model.GenerationSummary) string {
	var flags []string
	if g.Reseeded {
		flags = append(flags, "reseeded")
	}
	if g.Degenerating {
		flags = append(flags, "degenerating")
	}
	if g.Undersized {
		flags = append(flags, "undersized")
	}
	return orDash(strings.Join(flags, ","))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
