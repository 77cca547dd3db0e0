package userstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_store_updates_total",
		Help: "Committed record replacements, by source (local, remote, reset, expire).",
	}, []string{"source"})

	persistFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_store_persist_failures_total",
		Help: "Storage or bus failures swallowed by the store, by operation.",
	}, []string{"op"})

	decodeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_store_decode_failures_total",
		Help: "Unparseable records, by source (load, bus).",
	}, []string{"source"})

	redeemTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_redeem_total",
		Help: "Premium redeem attempts, by result.",
	}, []string{"result"})

	checkInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_checkin_total",
		Help: "Daily check-in attempts, by result.",
	}, []string{"result"})

	referralTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_referral_join_total",
		Help: "Referral join attempts, by result.",
	}, []string{"result"})

	watchdogExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbstate_watchdog_expirations_total",
		Help: "Premium expirations announced by the watchdog.",
	})
)
