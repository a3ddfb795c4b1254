package gitmirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// gitCommands 按子命令与结果统计 git 执行次数。
var gitCommands = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline_proxy_git_commands_total",
		Help: "Total number of git commands executed by the mirror manager",
	},
	[]string{"command", "outcome"},
)

func observeCommand(command string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	gitCommands.WithLabelValues(command, outcome).Inc()
}
