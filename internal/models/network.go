package models

import "time"

// NetworkQuality is a coarse classification of connection health.
type NetworkQuality string

const (
	QualityUnknown NetworkQuality = "unknown"
	QualityPoor    NetworkQuality = "poor"
	QualityFair    NetworkQuality = "fair"
	QualityGood    NetworkQuality = "good"
)

// NetworkState is the monitor's view of connectivity.
type NetworkState struct {
	Online            bool           `json:"online"`
	LinkUp            bool           `json:"link_up"`
	Quality           NetworkQuality `json:"quality"`
	LatencyMs         float64        `json:"latency_ms"`
	ErrorRate         float64        `json:"error_rate"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastSuccessAt     *time.Time     `json:"last_success_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	LastProbeAt       *time.Time     `json:"last_probe_at,omitempty"`
	Samples           int            `json:"samples"`
	Simulated         bool           `json:"simulated,omitempty"`
}
