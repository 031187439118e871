package position

import (
	"time"

	"bithumb-trading-bot/internal/database"
)

// Profile tunes how the manager treats positions of one strategy
type Profile struct {
	MonitorInterval              time.Duration `json:"monitor_interval"`
	BreakEvenTriggerPercent      float64       `json:"break_even_trigger_percent"`
	ProfitLockTriggerPercent     float64       `json:"profit_lock_trigger_percent"`
	ProfitLockMinPercent         float64       `json:"profit_lock_min_percent"`
	TrailingTriggerPercent       float64       `json:"trailing_trigger_percent"`
	TrailingOffsetPercent        float64       `json:"trailing_offset_percent"`
	HalfTakeProfitRatio          float64       `json:"half_take_profit_ratio"`
	ConfluenceDegradation        float64       `json:"confluence_degradation"`
	DivergenceStopTightenPercent float64       `json:"divergence_stop_tighten_percent"`
	Timeout                      time.Duration `json:"timeout"` // 0 disables timeout exits
	RegimeShiftExit              bool          `json:"regime_shift_exit"`
}

// DefaultProfile is the baseline applied to strategies without overrides
func DefaultProfile() *Profile {
	return &Profile{
		MonitorInterval:              60 * time.Second,
		BreakEvenTriggerPercent:      1.0,
		ProfitLockTriggerPercent:     3.0,
		ProfitLockMinPercent:         1.5,
		TrailingTriggerPercent:       2.0,
		TrailingOffsetPercent:        1.0,
		HalfTakeProfitRatio:          0.5,
		ConfluenceDegradation:        30,
		DivergenceStopTightenPercent: 2.0,
		Timeout:                      4 * time.Hour,
		RegimeShiftExit:              true,
	}
}

// DefaultProfiles returns the per-strategy monitoring profiles. DCA
// holds through drawdowns on a slow cadence, the fast strategies watch
// closely and time out early.
func DefaultProfiles() map[string]*Profile {
	dca := DefaultProfile()
	dca.MonitorInterval = 300 * time.Second
	dca.Timeout = 0
	dca.RegimeShiftExit = false

	volumeSurge := DefaultProfile()
	volumeSurge.MonitorInterval = 60 * time.Second
	volumeSurge.Timeout = 2 * time.Hour

	memeScalper := DefaultProfile()
	memeScalper.MonitorInterval = 30 * time.Second
	memeScalper.Timeout = 30 * time.Minute
	memeScalper.TrailingTriggerPercent = 1.5
	memeScalper.TrailingOffsetPercent = 0.7

	return map[string]*Profile{
		database.StrategyDCA:         dca,
		database.StrategyVolumeSurge: volumeSurge,
		database.StrategyMemeScalper: memeScalper,
	}
}
