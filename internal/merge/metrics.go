package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
)

const metricNamespace = "miro"

const (
	mergeAttemptsMetricName = "merge_attempts_total"
	branchUpdatesMetricName = "branch_updates_total"
	mergeCheckOpsMetricName = "merge_check_operations_total"
)

const (
	repositoryLabel = "repository"
	outcomeLabel    = "outcome"
	operationLabel  = "operation"
)

const (
	outcomeMerged       = "merged"
	outcomeNotReady     = "not_ready"
	outcomeNotMergeable = "not_mergeable"
	outcomeFailed       = "failed"
	outcomeSuccess      = "success"
)

const (
	operationAddMergeCheck     = "add"
	operationResolveMergeCheck = "resolve"
)

type metricCollector struct {
	logger        *zap.Logger
	mergeAttempts *prometheus.CounterVec
	branchUpdates *prometheus.CounterVec
	mergeCheckOps *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		mergeAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergeAttemptsMetricName,
				Help:      "count of merge attempts by outcome",
			},
			[]string{repositoryLabel, outcomeLabel},
		),
		branchUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      branchUpdatesMetricName,
				Help:      "count of merges of the default branch into pull request branches",
			},
			[]string{repositoryLabel, outcomeLabel},
		),
		mergeCheckOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergeCheckOpsMetricName,
				Help:      "count of operations on the merge check commit status",
			},
			[]string{repositoryLabel, operationLabel, outcomeLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) MergeAttemptInc(repo model.Repository, outcome string) {
	cnt, err := m.mergeAttempts.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo.String(),
		outcomeLabel:    outcome,
	})
	if err != nil {
		m.logGetMetricFailed(mergeAttemptsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) BranchUpdateInc(repo model.Repository, outcome string) {
	cnt, err := m.branchUpdates.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo.String(),
		outcomeLabel:    outcome,
	})
	if err != nil {
		m.logGetMetricFailed(branchUpdatesMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) MergeCheckOpInc(repo model.Repository, operation, outcome string) {
	cnt, err := m.mergeCheckOps.GetMetricWith(prometheus.Labels{
		repositoryLabel: repo.String(),
		operationLabel:  operation,
		outcomeLabel:    outcome,
	})
	if err != nil {
		m.logGetMetricFailed(mergeCheckOpsMetricName, err)
		return
	}

	cnt.Inc()
}
