package webhook

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
)

const metricNamespace = "miro"

const eventsProcessedMetricName = "webhook_events_processed_total"

const (
	eventTypeLabel = "event_type"
	outcomeLabel   = "outcome"
)

const (
	outcomeHandled = "handled"
	outcomeIgnored = "ignored"
	outcomeFailed  = "failed"
)

type metricCollector struct {
	logger          *zap.Logger
	eventsProcessed *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		eventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      eventsProcessedMetricName,
				Help:      "count of processed webhook events by type and outcome",
			},
			[]string{eventTypeLabel, outcomeLabel},
		),
	}
}

// eventTypeName returns the name of the go-github event struct,
// "*github.PushEvent" becomes "push_event".
func eventTypeName(event any) string {
	name := fmt.Sprintf("%T", event)
	name = name[strings.LastIndexByte(name, '.')+1:]

	var sb strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
			continue
		}

		sb.WriteRune(r)
	}

	return sb.String()
}

func (m *metricCollector) EventProcessedInc(event any, result *Result, err error) {
	outcome := outcomeIgnored
	if err != nil {
		outcome = outcomeFailed
	} else if result != nil && result.Handled {
		outcome = outcomeHandled
	}

	cnt, err := m.eventsProcessed.GetMetricWith(prometheus.Labels{
		eventTypeLabel: eventTypeName(event),
		outcomeLabel:   outcome,
	})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", eventsProcessedMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)

		return
	}

	cnt.Inc()
}
