package locking

import "github.com/VictoriaMetrics/metrics"

var (
	lockWritesOK           = metrics.NewCounter(`dclaim_lock_writes_total{result="ok"}`)
	lockWritesLocalRefused = metrics.NewCounter(`dclaim_lock_writes_total{result="local_refused"}`)
	lockWritesSlow         = metrics.NewCounter(`dclaim_lock_writes_total{result="slow"}`)
	lockWritesTemporary    = metrics.NewCounter(`dclaim_lock_writes_total{result="temporary"}`)
	lockWritesPermanent    = metrics.NewCounter(`dclaim_lock_writes_total{result="permanent"}`)

	lockChecksOK        = metrics.NewCounter(`dclaim_lock_checks_total{result="ok"}`)
	lockChecksNotSenior = metrics.NewCounter(`dclaim_lock_checks_total{result="not_senior"}`)
	lockChecksExpired   = metrics.NewCounter(`dclaim_lock_checks_total{result="expired"}`)
	lockChecksError     = metrics.NewCounter(`dclaim_lock_checks_total{result="error"}`)

	lockWriteDuration = metrics.NewHistogram(`dclaim_lock_write_duration_seconds`)

	claimsCleaned = metrics.NewCounter(`dclaim_lock_claims_cleaned_total`)
)
