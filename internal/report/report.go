// Package report exports the units of a job as an XLSX workbook.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"github.com/xuri/excelize/v2"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
)

const (
	SheetJob    = "Job"
	SheetUnits  = "Units"
	SheetStages = "Stages"

	maxCellText = 500
)

// ContentType is the MIME type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// FileName returns a download name derived from the job title, falling back to the id.
func FileName(job *jobs.Job) string {
	name := slug.Make(job.Config.Title)
	if name == "" {
		name = "job"
	}
	short := job.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s.xlsx", name, short)
}

// Write renders job and units into an XLSX workbook on w.
func Write(w io.Writer, job *jobs.Job, units []*jobs.UnitRecord) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetJob); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetUnits, SheetStages} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	writeJob(f, job)
	writeUnits(f, units)
	writeStages(f, units)

	idx, _ := f.GetSheetIndex(SheetUnits)
	f.SetActiveSheet(idx)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeJob(f *excelize.File, job *jobs.Job) {
	rows := [][]any{
		{"ID", job.ID},
		{"Title", job.Config.Title},
		{"Owner", job.OwnerID},
		{"Status", string(job.Status)},
		{"Priority", string(job.Priority)},
		{"Language", job.Config.Language},
		{"Target units", job.Config.TargetUnits},
		{"Units completed", job.Progress.UnitsCompleted},
		{"Percentage", job.Progress.Percentage},
		{"Created", job.CreatedAt.UTC().Format("2006-01-02 15:04:05")},
	}
	if job.Result != nil {
		rows = append(rows, []any{"Total cost", job.Result.TotalCost})
	}
	if job.Error != nil {
		rows = append(rows, []any{"Error", job.Error.String()})
	}
	for i, r := range rows {
		setRow(f, SheetJob, i+1, r)
	}
	_ = f.SetColWidth(SheetJob, "A", "A", 18)
	_ = f.SetColWidth(SheetJob, "B", "B", 48)
}

func writeUnits(f *excelize.File, units []*jobs.UnitRecord) {
	setRow(f, SheetUnits, 1, []any{
		"Unit", "Title", "Status", "Score", "Attempts", "Cost", "Language", "Failure", "Summary",
	})
	for i, u := range units {
		setRow(f, SheetUnits, i+2, []any{
			u.Index + 1,
			u.Title,
			string(u.Status),
			u.Score,
			u.Attempts,
			u.Cost,
			u.DetectedLanguage,
			u.FailureReason,
			truncate(u.Summary, maxCellText),
		})
	}
	_ = f.SetColWidth(SheetUnits, "B", "B", 28)
	_ = f.SetColWidth(SheetUnits, "H", "H", 32)
	_ = f.SetColWidth(SheetUnits, "I", "I", 60)
}

// writeStages emits one row per stage call with a column per score category.
func writeStages(f *excelize.File, units []*jobs.UnitRecord) {
	categories := scoreCategories(units)
	header := []any{"Unit", "Stage", "Attempt", "Decision", "Cost", "Duration (ms)", "Error"}
	for _, c := range categories {
		header = append(header, c)
	}
	setRow(f, SheetStages, 1, header)

	row := 2
	for _, u := range units {
		for _, st := range u.Stages {
			values := []any{
				u.Index + 1,
				st.Stage,
				st.Attempt,
				st.Decision,
				st.Cost,
				st.Duration.Milliseconds(),
				st.Error,
			}
			for _, c := range categories {
				if v, ok := st.Scores[c]; ok {
					values = append(values, v)
				} else {
					values = append(values, "")
				}
			}
			setRow(f, SheetStages, row, values)
			row++
		}
	}
}

func scoreCategories(units []*jobs.UnitRecord) []string {
	seen := make(map[string]struct{})
	for _, u := range units {
		for _, st := range u.Stages {
			for c := range st.Scores {
				seen[c] = struct{}{}
			}
		}
	}
	ret := make([]string, 0, len(seen))
	for c := range seen {
		ret = append(ret, c)
	}
	sort.Strings(ret)
	return ret
}

func setRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
