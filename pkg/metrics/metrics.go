// Package metrics defines the prometheus collectors exported by the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duagent"

var (
	// ChannelState is the numeric connection state of the MQTT channel.
	ChannelState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_state",
		Help:      "Connection state of the MQTT communication channel",
	})
	// ConnectAttempts counts connect calls by submission outcome.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_connect_attempts_total",
		Help:      "Connect calls issued to the broker",
	}, []string{"outcome"})
	// MessagesReceived counts application messages received.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_messages_received_total",
		Help:      "Application messages received from the broker",
	})
	// MessagesDropped counts messages rejected before delivery.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_messages_dropped_total",
		Help:      "Application messages dropped before delivery",
	}, []string{"reason"})
	// SubscriptionAcks counts subscribe acknowledgments by match.
	SubscriptionAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_subscription_acks_total",
		Help:      "Subscribe acknowledgments received",
	}, []string{"matched"})
	// WorkLoopSuppressed counts ticks skipped after library errors.
	WorkLoopSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_work_suppressed_total",
		Help:      "Work ticks skipped while suppressed after library errors",
	})
	// Workflows counts processed workflows by final result.
	Workflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_total",
		Help:      "Workflows processed to completion",
	}, []string{"result"})
)
