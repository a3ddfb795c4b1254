package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal 按处理结果统计请求：hit/miss/coalesced/not_found/redirect/not_modified/error/tunnel/git
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_proxy_requests_total",
			Help: "Total number of proxied requests by result",
		},
		[]string{"result"},
	)

	// originFetches 按上游状态统计回源次数，失败记为 failed
	originFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_proxy_origin_fetches_total",
			Help: "Total number of origin fetches by outcome",
		},
		[]string{"outcome"},
	)

	inflightFetches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_proxy_inflight_fetches",
			Help: "Number of origin fetches currently in flight",
		},
	)

	tunnelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_proxy_tunnels_active",
			Help: "Number of CONNECT tunnels currently open",
		},
	)
)

const (
	resultHit         = "hit"
	resultMiss        = "miss"
	resultCoalesced   = "coalesced"
	resultNotFound    = "not_found"
	resultRedirect    = "redirect"
	resultNotModified = "not_modified"
	resultError       = "error"
	resultTunnel      = "tunnel"
	resultGit         = "git"
)
