package session

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/migrate"
	"github.com/stevemurr/bionexo-migrate/schema"
)

// Summary is the outcome of one collection. Total, Modified and Errors are
// filled by every command; the command specific details hang off the
// pointer fields.
type Summary struct {
	Collection string `json:"collection"`
	Total      int    `json:"total"`
	// Modified counts written documents, or would-be writes in a dry run.
	Modified int              `json:"modified"`
	Errors   int              `json:"errors"`
	Skipped  int              `json:"skipped,omitempty"`
	Samples  []migrate.Sample `json:"samples,omitempty"`
	Examples []Example        `json:"examples,omitempty"`

	Storage *migrate.Outcome     `json:"storage,omitempty"`
	Foods   *migrate.LinkResult  `json:"foods,omitempty"`
	Verify  *schema.VerifyReport `json:"verify,omitempty"`

	// Failed marks a collection that could not finish. Per-document errors
	// alone never fail a collection.
	Failed bool   `json:"failed,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Example is one stored document shown for review.
type Example struct {
	Key    string       `json:"key"`
	Fields []FieldValue `json:"fields"`
}

// FieldValue is one field of an Example.
type FieldValue struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Present bool   `json:"present"`
}

// Report aggregates one command run.
type Report struct {
	RunID       string             `json:"run_id"`
	Command     Command            `json:"command"`
	DryRun      bool               `json:"dry_run"`
	Started     time.Time          `json:"started"`
	Finished    time.Time          `json:"finished"`
	Collections []Summary          `json:"collections"`
	FoodStats   *migrate.FoodStats `json:"food_stats,omitempty"`
}

// Failed reports whether any collection failed.
func (r *Report) Failed() bool {
	for _, s := range r.Collections {
		if s.Failed {
			return true
		}
	}
	return false
}

// Totals sums the per-collection counters.
func (r *Report) Totals() (total, modified, errors int) {
	for _, s := range r.Collections {
		total += s.Total
		modified += s.Modified
		errors += s.Errors
	}
	return total, modified, errors
}

// Print writes a human readable summary to w.
func (r *Report) Print(w io.Writer) {
	if r.DryRun && r.Command != Verify && r.Command != Samples {
		fmt.Fprintln(w, "***********************************************")
		fmt.Fprintln(w, "*** DRY RUN: nothing was written            ***")
		fmt.Fprintln(w, "*** re-run with --apply to make the changes ***")
		fmt.Fprintln(w, "***********************************************")
	}
	mode := "apply"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "run %s  command=%s  mode=%s  elapsed=%s\n\n", r.RunID, r.Command, mode,
		r.Finished.Sub(r.Started).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	switch r.Command {
	case RemoveTimeSeries:
		r.printStorage(tw)
	case Verify:
		r.printVerify(tw)
	case Samples:
		tw.Flush()
		r.printExamples(w)
		return
	default:
		r.printCounts(tw)
	}
	tw.Flush()

	for _, s := range r.Collections {
		if s.Verify != nil && r.Command != Verify {
			fmt.Fprintf(w, "\nstats %s:\n", s.Collection)
			printCoverage(w, s.Verify)
		}
		if len(s.Samples) > 0 {
			fmt.Fprintf(w, "\nsamples %s:\n", s.Collection)
			for _, smp := range s.Samples {
				fmt.Fprintf(w, "  %s  %s\n", smp.Key, formatDelta(smp.Delta))
			}
		}
	}
	if r.FoodStats != nil {
		st := r.FoodStats
		fmt.Fprintf(w, "\nfoods: %d (%d user created)  intakes linked: %d/%d\n", st.Foods, st.UserCreated, st.WithFoodID, st.Intakes)
		for _, u := range st.ByUser {
			fmt.Fprintf(w, "  %s  %d/%d\n", u.User, u.WithFoodID, u.Intakes)
		}
	}
}

func (r *Report) printCounts(w io.Writer) {
	modified := "MODIFIED"
	if r.DryRun {
		modified = "WOULD-MODIFY"
	}
	fmt.Fprintf(w, "COLLECTION\tTOTAL\t%s\tERRORS\tSKIPPED\tSTATUS\n", modified)
	for _, s := range r.Collections {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", s.Collection, s.Total, s.Modified, s.Errors, s.Skipped, status(s))
	}
	total, mod, errs := r.Totals()
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t\t\n", total, mod, errs)
}

func (r *Report) printStorage(w io.Writer) {
	fmt.Fprintln(w, "COLLECTION\tSTATE\tPHASE\tSOURCE\tBACKED-UP\tRESTORED\tDETAIL")
	for _, s := range r.Collections {
		o := s.Storage
		if o == nil {
			continue
		}
		detail := o.Note
		if s.Failed {
			detail = s.Err
		}
		if o.Resumed {
			detail = strings.TrimSpace("resumed " + detail)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", s.Collection, o.State, o.Phase, o.SourceCount, o.BackedUp, o.Restored, detail)
	}
}

func (r *Report) printVerify(w io.Writer) {
	fmt.Fprintln(w, "COLLECTION\tTOTAL\tINVALID\tSTATUS")
	for _, s := range r.Collections {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Collection, s.Total, s.Errors, status(s))
	}
	for _, s := range r.Collections {
		if s.Verify == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", s.Collection)
		printCoverage(w, s.Verify)
		for _, v := range s.Verify.Violations {
			fmt.Fprintf(w, "  invalid  %s\n", v)
		}
	}
}

func printCoverage(w io.Writer, v *schema.VerifyReport) {
	names := make([]string, 0, len(v.FieldCounts))
	for f := range v.FieldCounts {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		fmt.Fprintf(w, "  %-26s %d/%d\n", f, v.FieldCounts[f], v.Total)
	}
	derived := make([]string, 0, len(v.LegacyOnly))
	for f := range v.LegacyOnly {
		derived = append(derived, f)
	}
	sort.Strings(derived)
	for _, f := range derived {
		if v.LegacyOnly[f] > 0 {
			fmt.Fprintf(w, "  %-26s %d legacy-only\n", f, v.LegacyOnly[f])
		}
	}
}

func (r *Report) printExamples(w io.Writer) {
	for _, s := range r.Collections {
		fmt.Fprintf(w, "%s:\n", s.Collection)
		if s.Failed {
			fmt.Fprintf(w, "  error: %s\n", s.Err)
		}
		if len(s.Examples) == 0 && !s.Failed {
			fmt.Fprintln(w, "  (no documents)")
		}
		for _, ex := range s.Examples {
			fmt.Fprintf(w, "  %s\n", ex.Key)
			for _, f := range ex.Fields {
				v := "N/A"
				if f.Present {
					v = formatValue(f.Value)
				}
				fmt.Fprintf(w, "    %-24s %s\n", f.Name, v)
			}
		}
	}
}

func status(s Summary) string {
	if s.Failed {
		return "FAILED: " + s.Err
	}
	return "ok"
}

func formatDelta(delta map[string]any) string {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(delta[k]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return x.UTC().Format("2006-01-02T15:04:05.000Z")
	case string:
		return fmt.Sprintf("%q", x)
	case *document.Document:
		b, err := x.MarshalJSON()
		if err != nil {
			return "<document>"
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
