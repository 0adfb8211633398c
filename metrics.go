package critsec

import (
	"runtime/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enterCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "critsec",
		Name:      "enter_total",
		Help:      "Section acquisitions, noting whether the call was a reentrant one.",
	}, []string{"reentrant"})
	misuseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "critsec",
		Name:      "misuse_total",
		Help:      "Operations called outside their documented preconditions.",
	}, []string{"op"})
	waitTimer = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "critsec",
		Name:      "wait_duration_seconds",
		Help:      "Time spent blocked acquiring the native mutex.",
	})
)

const pkgname = `github.com/quay/critsec`

// HeldProfile tracks sections that are currently held, so an Enter with no
// matching Exit can be attributed to its call site.
var heldProfile = pprof.NewProfile(pkgname + `.Held`)
