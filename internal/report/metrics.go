// Package report computes the dataset aggregates, renders the HTML report
// and manages the report artifacts on disk.
package report

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

// Series lengths.
const (
	MonthlyBuckets = 12
	DailyBuckets   = 30
)

var monthNames = [...]string{"jan", "fev", "mar", "abr", "mai", "jun", "jul", "ago", "set", "out", "nov", "dez"}

// Compute aggregates a refined table (comma separated, canonical lower case
// header) as of now. Missing optional columns leave their counts at zero.
func Compute(ctx context.Context, r io.Reader, now time.Time) (*model.Metrics, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, resilience.Errorf(resilience.PermanentInput, "report.metrics", "refined table is empty")
	}
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "report.metrics", eris.Wrap(err, "read header"))
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	firstMonth := thisMonth.AddDate(0, -(MonthlyBuckets - 1), 0)
	firstDay := today.AddDate(0, 0, -(DailyBuckets - 1))

	m := &model.Metrics{
		Monthly:    make([]model.Bucket, MonthlyBuckets),
		Daily:      make([]model.Bucket, DailyBuckets),
		ComputedAt: now.UTC(),
	}
	for i := range m.Monthly {
		start := firstMonth.AddDate(0, i, 0)
		m.Monthly[i] = model.Bucket{Start: start, Label: monthNames[start.Month()-1] + "/" + start.Format("06")}
	}
	for i := range m.Daily {
		start := firstDay.AddDate(0, 0, i)
		m.Daily[i] = model.Bucket{Start: start, Label: start.Format("02/01")}
	}

	states := make(map[string]bool)
	for rows := 0; ; rows++ {
		if rows%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, resilience.E(resilience.PermanentInput, "report.metrics", eris.Wrapf(err, "read row %d", rows+2))
		}

		m.TotalCases++
		if uf := strings.ToUpper(get(rec, "sg_uf_not")); uf != "" {
			states[uf] = true
		}
		yes := func(name string) bool { return affirmative(get(rec, name)) }
		hosp, icu, vacc := yes("hospital"), yes("uti"), yes("vacina_cov")
		death := isDeath(get(rec, "evolucao"))
		if hosp {
			m.HospitalizedCount++
		}
		if icu {
			m.ICUCount++
		}
		if vacc {
			m.VaccinatedCount++
		}
		if death {
			m.DeathCount++
		}

		day, err := time.Parse("2006-01-02", get(rec, "dt_notific"))
		if err != nil {
			m.SkippedRows++
			continue
		}
		if mi := monthIndex(firstMonth, day); mi >= 0 && mi < MonthlyBuckets {
			tally(&m.Monthly[mi], death, icu)
		}
		if di := int(day.Sub(firstDay).Hours() / 24); !day.Before(firstDay) && di < DailyBuckets {
			tally(&m.Daily[di], death, icu)
		}
	}

	m.StatesAffected = len(states)
	m.MortalityRate = percent(m.DeathCount, m.TotalCases)
	m.ICURate = percent(m.ICUCount, m.TotalCases)
	m.VaccinationRate = percent(m.VaccinatedCount, m.TotalCases)

	// The current month is incomplete: compare the two months before it.
	last := m.Monthly[MonthlyBuckets-2].Cases
	prev := m.Monthly[MonthlyBuckets-3].Cases
	if prev > 0 {
		m.CasesIncreaseRate = round2(float64(last-prev) / float64(prev) * 100)
	}
	return m, nil
}

func tally(b *model.Bucket, death, icu bool) {
	b.Cases++
	if death {
		b.Deaths++
	}
	if icu {
		b.ICU++
	}
}

func monthIndex(first, day time.Time) int {
	return (day.Year()-first.Year())*12 + int(day.Month()) - int(first.Month())
}

// affirmative reads the yes/no coding used across the notification form.
func affirmative(v string) bool {
	switch strings.ToUpper(v) {
	case "1", "SIM", "S":
		return true
	}
	return false
}

// EVOLUCAO: 1 cure, 2 death, 3 death from other causes, 9 unknown.
func isDeath(v string) bool {
	return v == "2" || v == "3"
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(n) / float64(total) * 100)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
