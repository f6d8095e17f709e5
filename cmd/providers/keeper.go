package providers

import (
	"time"

	"github.com/spf13/viper"
	"go.bookline.dev/keeper/pkg/failtrack"
	"go.bookline.dev/keeper/pkg/jobs"
)

// Scheduling and tracker config keys. Threshold keys are owned by pkg/jobs
// and read through ViperConfig every cycle; the keys below are fixed at
// process start.
const (
	ConfRetentionInterval   = "jobs.retention_interval"
	ConfInactivityInterval  = "jobs.inactivity_interval"
	ConfStallInterval       = "jobs.stall_interval"
	ConfEscalateInterval    = "jobs.escalate_interval"
	ConfFollowupInterval    = "jobs.followup_interval"
	ConfMissedReplyInterval = "jobs.missed_reply_interval"
	ConfLeaseTTL            = "jobs.lease_ttl"
	ConfCycleBudget         = "jobs.cycle_budget"

	ConfFailtrackCapacity = "failtrack.capacity"
	ConfSenderMaxElapsed  = "sender.max_elapsed"
)

func init() {
	defaults := jobs.DefaultOptions
	viper.SetDefault(ConfRetentionInterval, defaults.RetentionInterval)
	viper.SetDefault(ConfInactivityInterval, defaults.InactivityInterval)
	viper.SetDefault(ConfStallInterval, defaults.StallInterval)
	viper.SetDefault(ConfEscalateInterval, defaults.EscalateInterval)
	viper.SetDefault(ConfFollowupInterval, defaults.FollowupInterval)
	viper.SetDefault(ConfMissedReplyInterval, defaults.MissedReplyInterval)
	viper.SetDefault(ConfLeaseTTL, defaults.LeaseTTL)
	viper.SetDefault(ConfCycleBudget, defaults.CycleBudget)

	viper.SetDefault(ConfFailtrackCapacity, failtrack.DefaultCapacity)
	viper.SetDefault(ConfSenderMaxElapsed, time.Minute)
}

// JobOptionsFromEnv reads the scheduling parameters from config.
func JobOptionsFromEnv() jobs.Options {
	return jobs.Options{
		RetentionInterval:   viper.GetDuration(ConfRetentionInterval),
		InactivityInterval:  viper.GetDuration(ConfInactivityInterval),
		StallInterval:       viper.GetDuration(ConfStallInterval),
		EscalateInterval:    viper.GetDuration(ConfEscalateInterval),
		FollowupInterval:    viper.GetDuration(ConfFollowupInterval),
		MissedReplyInterval: viper.GetDuration(ConfMissedReplyInterval),
		LeaseTTL:            viper.GetDuration(ConfLeaseTTL),
		CycleBudget:         viper.GetDuration(ConfCycleBudget),
	}
}

// ViperConfig adapts viper to the jobs.Config collaborator. Values are read
// on every call, so operator changes picked up by viper take effect on the
// next job cycle without a restart.
type ViperConfig struct{}

// GetDuration reads a duration threshold, falling back to def when unset.
func (ViperConfig) GetDuration(key string, def time.Duration) time.Duration {
	if !viper.IsSet(key) {
		return def
	}
	return viper.GetDuration(key)
}

// GetInt reads an integer threshold, falling back to def when unset.
func (ViperConfig) GetInt(key string, def int) int {
	if !viper.IsSet(key) {
		return def
	}
	return viper.GetInt(key)
}

// Assert ViperConfig implements the collaborator interface.
var _ jobs.Config = ViperConfig{}
