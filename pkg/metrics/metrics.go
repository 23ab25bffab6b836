// Copyright (c) 2019 Red Hat and/or its affiliates.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the flow manager counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Namespace prefixes every metric name.
const Namespace = "nimbess_ovs_agent"

// Metrics holds the collectors updated by the flow manager. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	FlowEdits     *prometheus.CounterVec
	GroupEdits    *prometheus.CounterVec
	ExecuteErrors *prometheus.CounterVec
	Syncs         prometheus.Counter
	SyncRetries   prometheus.Counter
	StaleLearned  prometheus.Counter
	State         *prometheus.GaugeVec
	TrackedRules  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "flow_edits_total",
			Help:      "Flow edits sent to the switch",
		}, []string{"table", "op"}),
		GroupEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "group_edits_total",
			Help:      "Group edits sent to the switch",
		}, []string{"op"}),
		ExecuteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "execute_errors_total",
			Help:      "Edit batches rejected by the switch",
		}, []string{"kind"}),
		Syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "syncs_total",
			Help:      "Completed full synchronizations",
		}),
		SyncRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_read_retries_total",
			Help:      "Failed switch reads during synchronization",
		}),
		StaleLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stale_learned_flows_total",
			Help:      "Learned flows removed because their endpoint binding is gone",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sync_state",
			Help:      "1 for the current synchronization state",
		}, []string{"state"}),
		TrackedRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tracked_rules",
			Help:      "Rules believed installed per table",
		}, []string{"table"}),
	}
	if reg != nil {
		reg.MustRegister(m.FlowEdits, m.GroupEdits, m.ExecuteErrors, m.Syncs,
			m.SyncRetries, m.StaleLearned, m.State, m.TrackedRules)
	}
	return m
}

// FlowEdit counts one flow edit.
func (m *Metrics) FlowEdit(table, op string) {
	if m == nil {
		return
	}
	m.FlowEdits.WithLabelValues(table, op).Inc()
}

// GroupEdit counts one group edit.
func (m *Metrics) GroupEdit(op string) {
	if m == nil {
		return
	}
	m.GroupEdits.WithLabelValues(op).Inc()
}

// ExecuteError counts a rejected batch of kind "flows" or "groups".
func (m *Metrics) ExecuteError(kind string) {
	if m == nil {
		return
	}
	m.ExecuteErrors.WithLabelValues(kind).Inc()
}

// SyncDone counts a completed synchronization.
func (m *Metrics) SyncDone() {
	if m == nil {
		return
	}
	m.Syncs.Inc()
}

// SyncRetry counts a failed read.
func (m *Metrics) SyncRetry() {
	if m == nil {
		return
	}
	m.SyncRetries.Inc()
}

// StaleLearnedRemoved counts removed learned flows.
func (m *Metrics) StaleLearnedRemoved(n int) {
	if m == nil {
		return
	}
	m.StaleLearned.Add(float64(n))
}

// SetState marks state as current among all states.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// SetTrackedRules records the number of rules tracked in a table.
func (m *Metrics) SetTrackedRules(table string, n int) {
	if m == nil {
		return
	}
	m.TrackedRules.WithLabelValues(table).Set(float64(n))
}

// Serve exposes gatherer on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Metrics server shutdown failed")
		}
	}()
	log.Infof("Serving metrics on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
