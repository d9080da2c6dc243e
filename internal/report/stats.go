package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/store"
)

// StatsJSON writes stats as an indented JSON document.
func StatsJSON(w io.Writer, stats store.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// StatsTable renders stats as console tables.
func StatsTable(w io.Writer, stats store.Stats) error {
	sections := []struct {
		title string
		data  pterm.TableData
	}{
		{"Overview", overview(stats)},
		{"Recent runs", recentRuns(stats.RecentRuns)},
		{"Top countries", counts("Country", stats.TopCountries)},
		{"Top vulnerabilities", counts("Vulnerability", stats.TopVulnerabilities)},
	}
	for _, s := range sections {
		if len(s.data) < 2 {
			continue
		}
		out, err := pterm.DefaultTable.WithHasHeader().WithData(s.data).Srender()
		if err != nil {
			return fmt.Errorf("rendering %s: %w", s.title, err)
		}
		if _, err := fmt.Fprintf(w, "%s\n%s\n\n", pterm.Bold.Sprint(s.title), out); err != nil {
			return err
		}
	}
	return nil
}

func overview(stats store.Stats) pterm.TableData {
	lastCompleted := "never"
	if stats.LastCompleted != nil && stats.LastCompleted.FinishedAt != nil {
		lastCompleted = stats.LastCompleted.FinishedAt.UTC().Format(time.RFC3339)
	}
	return pterm.TableData{
		{"Metric", "Value"},
		{"Runs completed", itoa(stats.Runs[model.RunCompleted])},
		{"Runs failed", itoa(stats.Runs[model.RunFailed])},
		{"Runs running", itoa(stats.Runs[model.RunRunning])},
		{"Last completed", lastCompleted},
		{"Targets", itoa(stats.Targets)},
		{"Services", itoa(stats.Services)},
		{"Stale services", itoa(stats.StaleServices)},
		{"Average risk", strconv.FormatFloat(stats.AverageRisk, 'f', 2, 64)},
	}
}

func recentRuns(runs []model.ScanRun) pterm.TableData {
	data := pterm.TableData{{"ID", "Started", "Status", "Processed", "Failed", "Created", "Updated", "Reason"}}
	for _, r := range runs {
		reason := ""
		if r.FailureReason != nil {
			reason = *r.FailureReason
		}
		data = append(data, []string{
			r.ID,
			r.StartedAt.UTC().Format(time.RFC3339),
			statusStyle(r.Status),
			strconv.Itoa(r.Counts.TargetsProcessed),
			strconv.Itoa(r.Counts.TargetsFailed),
			strconv.Itoa(r.Counts.ServicesCreated),
			strconv.Itoa(r.Counts.ServicesUpdated),
			reason,
		})
	}
	return data
}

func counts(header string, cs []store.Count) pterm.TableData {
	data := pterm.TableData{{header, "Count"}}
	for _, c := range cs {
		data = append(data, []string{c.Key, itoa(c.Count)})
	}
	return data
}

func statusStyle(s model.RunStatus) string {
	switch s {
	case model.RunCompleted:
		return pterm.FgGreen.Sprint(s)
	case model.RunFailed:
		return pterm.FgRed.Sprint(s)
	case model.RunRunning:
		return pterm.FgYellow.Sprint(s)
	default:
		return string(s)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
