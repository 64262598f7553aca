package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "automoderator_build_info",
	Help: "Always 1; labeled with the running version",
}, []string{"version"})
