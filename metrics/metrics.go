// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes engine and monitor statistics to Prometheus.
package metrics

import (
	"net/http"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockctl"

// EngineSource reports engine counters. *lockctl.Engine implements it.
type EngineSource interface {
	Status() lockctl.EngineStatus
}

// MonitorSource reports monitor counters. *monitor.Monitor implements it.
type MonitorSource interface {
	GetMetrics() monitor.Metrics
}

// Collector reads its sources on every scrape, so values are never stale
// and nothing has to be updated on the command path.
type Collector struct {
	engine  EngineSource
	monitor MonitorSource

	queueDepth  *prometheus.Desc
	executing   *prometheus.Desc
	submitted   *prometheus.Desc
	completed   *prometheus.Desc
	timeouts    *prometheus.Desc
	errors      *prometheus.Desc
	polls       *prometheus.Desc
	pollErrors  *prometheus.Desc
	changes     *prometheus.Desc
	pushes      *prometheus.Desc
	pollLatency *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. mon may be nil when no monitor runs.
func NewCollector(engine EngineSource, mon MonitorSource) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		engine:      engine,
		monitor:     mon,
		queueDepth:  desc("queue_depth", "Commands waiting behind the in-flight command."),
		executing:   desc("executing", "1 while a command is awaiting its reply."),
		submitted:   desc("commands_submitted_total", "Commands accepted into the queue."),
		completed:   desc("commands_completed_total", "Commands retired by a matching reply."),
		timeouts:    desc("commands_timeouts_total", "Commands retired by their deadline."),
		errors:      desc("commands_errors_total", "Commands retired by a transport error."),
		polls:       desc("monitor_polls_total", "Lock status polls."),
		pollErrors:  desc("monitor_poll_errors_total", "Failed lock status polls."),
		changes:     desc("monitor_changes_total", "Lock state changes observed."),
		pushes:      desc("monitor_pushes_total", "Board status pushes applied."),
		pollLatency: desc("monitor_poll_latency_seconds", "Duration of the last lock status poll."),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.executing
	ch <- c.submitted
	ch <- c.completed
	ch <- c.timeouts
	ch <- c.errors
	if c.monitor != nil {
		ch <- c.polls
		ch <- c.pollErrors
		ch <- c.changes
		ch <- c.pushes
		ch <- c.pollLatency
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Status()
	executing := 0.0
	if s.Executing {
		executing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.executing, prometheus.GaugeValue, executing)
	ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(s.Submitted))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))

	if c.monitor == nil {
		return
	}
	m := c.monitor.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(m.Polls))
	ch <- prometheus.MustNewConstMetric(c.pollErrors, prometheus.CounterValue, float64(m.PollErrors))
	ch <- prometheus.MustNewConstMetric(c.changes, prometheus.CounterValue, float64(m.Changes))
	ch <- prometheus.MustNewConstMetric(c.pushes, prometheus.CounterValue, float64(m.Pushes))
	ch <- prometheus.MustNewConstMetric(c.pollLatency, prometheus.GaugeValue, m.LastPollLatency.Seconds())
}

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the /metrics handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
