package model

import "time"

// Metrics are the aggregates the report presents.
type Metrics struct {
	TotalCases        int       `json:"total_cases"`
	StatesAffected    int       `json:"states_affected"`
	HospitalizedCount int       `json:"hospitalized_count"`
	ICUCount          int       `json:"icu_count"`
	DeathCount        int       `json:"death_count"`
	VaccinatedCount   int       `json:"vaccinated_count"`
	MortalityRate     float64   `json:"mortality_rate"`
	ICURate           float64   `json:"icu_rate"`
	VaccinationRate   float64   `json:"vaccination_rate"`
	CasesIncreaseRate float64   `json:"cases_increase_rate"`
	Monthly           []Bucket  `json:"monthly"`
	Daily             []Bucket  `json:"daily"`
	SkippedRows       int       `json:"skipped_rows"`
	ComputedAt        time.Time `json:"computed_at"`
}

// Bucket is one period of a time series.
type Bucket struct {
	Start  time.Time `json:"start"`
	Label  string    `json:"label"`
	Cases  int       `json:"cases"`
	Deaths int       `json:"deaths"`
	ICU    int       `json:"icu"`
}
