package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/resilience"
)

var refNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

const refined = `dt_notific,sg_uf_not,hospital,uti,evolucao,vacina_cov
2025-04-02,SP,1,2,1,1
2025-04-20,sp,1,1,2,2
2025-05-03,RJ,SIM,S,3,1
2025-05-10,MG,2,2,1,9
2025-05-11,MG,1,2,9,
2025-05-30,RJ,1,2,1,1
2025-06-14,BA,1,1,2,1
,SP,1,2,1,2
`

func TestComputeCounts(t *testing.T) {
	m, err := Compute(context.Background(), strings.NewReader(refined), refNow)
	require.NoError(t, err)

	assert.Equal(t, 8, m.TotalCases)
	assert.Equal(t, 4, m.StatesAffected)
	assert.Equal(t, 7, m.HospitalizedCount)
	assert.Equal(t, 3, m.ICUCount)
	assert.Equal(t, 3, m.DeathCount)
	assert.Equal(t, 4, m.VaccinatedCount)
	assert.Equal(t, 1, m.SkippedRows)

	assert.InDelta(t, 37.5, m.MortalityRate, 0.001)
	assert.InDelta(t, 37.5, m.ICURate, 0.001)
	assert.InDelta(t, 50.0, m.VaccinationRate, 0.001)
}

func TestComputeSeries(t *testing.T) {
	m, err := Compute(context.Background(), strings.NewReader(refined), refNow)
	require.NoError(t, err)

	require.Len(t, m.Monthly, MonthlyBuckets)
	require.Len(t, m.Daily, DailyBuckets)

	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), m.Monthly[0].Start)
	assert.Equal(t, "jun/25", m.Monthly[11].Label)

	apr, may, jun := m.Monthly[9], m.Monthly[10], m.Monthly[11]
	assert.Equal(t, 2, apr.Cases)
	assert.Equal(t, 1, apr.Deaths)
	assert.Equal(t, 4, may.Cases)
	assert.Equal(t, 1, may.Deaths)
	assert.Equal(t, 1, may.ICU)
	assert.Equal(t, 1, jun.Cases)

	// May over April, the current month is excluded.
	assert.InDelta(t, 100.0, m.CasesIncreaseRate, 0.001)

	last := m.Daily[DailyBuckets-1]
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), last.Start)
	assert.Equal(t, "15/06", last.Label)
	assert.Equal(t, 1, m.Daily[DailyBuckets-2].Cases)

	daily := 0
	for _, b := range m.Daily {
		daily += b.Cases
	}
	// 2025-05-30 and 2025-06-14 fall in the last 30 days.
	assert.Equal(t, 2, daily)
}

func TestComputeIncreaseRateZeroPrevious(t *testing.T) {
	in := "dt_notific,hospital\n2025-05-03,1\n"
	m, err := Compute(context.Background(), strings.NewReader(in), refNow)
	require.NoError(t, err)
	assert.Zero(t, m.CasesIncreaseRate)
	assert.Zero(t, m.StatesAffected)
}

func TestComputeHeaderOnly(t *testing.T) {
	m, err := Compute(context.Background(), strings.NewReader("dt_notific,uti\n"), refNow)
	require.NoError(t, err)
	assert.Zero(t, m.TotalCases)
	assert.Zero(t, m.MortalityRate)
}

func TestComputeEmpty(t *testing.T) {
	_, err := Compute(context.Background(), strings.NewReader(""), refNow)
	require.Error(t, err)
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))
}

func TestComputeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, strings.NewReader(refined), refNow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAffirmative(t *testing.T) {
	for _, v := range []string{"1", "SIM", "sim", "S", "s"} {
		assert.True(t, affirmative(v), v)
	}
	for _, v := range []string{"", "2", "9", "NAO", "N"} {
		assert.False(t, affirmative(v), v)
	}
}
