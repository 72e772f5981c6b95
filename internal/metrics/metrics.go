// Package metrics exposes the orchestrator's operational state to
// Prometheus. Everything is gathered at scrape time from in-memory
// providers; nothing here touches the database or the network.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/stt"
	"github.com/voicebridge/voicebridge/internal/tts"
)

// CallStatsProvider exposes the call manager's live and historical counts.
type CallStatsProvider interface {
	ActiveCount() int
	Totals() []call.CallTotal
}

// RegistrationProvider exposes per-device SIP registration state.
type RegistrationProvider interface {
	RegisteredCount() int
	Statuses() []sip.DeviceRegistration
}

// STTStatsProvider exposes transcription chain counters.
type STTStatsProvider interface {
	Stats() []stt.ProviderStat
}

// TTSStatsProvider exposes synthesis chain counters.
type TTSStatsProvider interface {
	Stats() []tts.ProviderStat
}

// UtteranceCounter exposes the audio fork's accepted-utterance tally.
type UtteranceCounter interface {
	UtteranceCount() uint64
}

// Collector is a prometheus.Collector over the orchestrator's subsystems.
// Any provider may be nil if its subsystem is not running.
type Collector struct {
	calls      CallStatsProvider
	registrar  RegistrationProvider
	sttStats   STTStatsProvider
	ttsStats   TTSStatsProvider
	utterances UtteranceCounter
	startTime  time.Time

	activeCallsDesc   *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	registeredDesc    *prometheus.Desc
	regStatusDesc     *prometheus.Desc
	sttAttemptsDesc   *prometheus.Desc
	sttFailuresDesc   *prometheus.Desc
	ttsAttemptsDesc   *prometheus.Desc
	ttsFailuresDesc   *prometheus.Desc
	utterancesDesc    *prometheus.Desc
	uptimeSecondsDesc *prometheus.Desc
}

// NewCollector creates the collector. Pass nil for subsystems that are not
// wired in this deployment.
func NewCollector(
	calls CallStatsProvider,
	registrar RegistrationProvider,
	sttStats STTStatsProvider,
	ttsStats TTSStatsProvider,
	utterances UtteranceCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:      calls,
		registrar:  registrar,
		sttStats:   sttStats,
		ttsStats:   ttsStats,
		utterances: utterances,
		startTime:  startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of call sessions not yet in a terminal state",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voicebridge_calls_total",
			"Total finished calls by direction and disposition",
			[]string{"direction", "disposition"}, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"voicebridge_registered_devices",
			"Number of devices currently registered with the PBX",
			nil, nil,
		),
		regStatusDesc: prometheus.NewDesc(
			"voicebridge_registration_status",
			"Per-device registration status (1=registered, 0=other)",
			[]string{"extension", "status"}, nil,
		),
		sttAttemptsDesc: prometheus.NewDesc(
			"voicebridge_stt_attempts_total",
			"Transcription attempts by provider",
			[]string{"provider"}, nil,
		),
		sttFailuresDesc: prometheus.NewDesc(
			"voicebridge_stt_failures_total",
			"Transcription failures by provider",
			[]string{"provider"}, nil,
		),
		ttsAttemptsDesc: prometheus.NewDesc(
			"voicebridge_tts_attempts_total",
			"Synthesis attempts by provider",
			[]string{"provider"}, nil,
		),
		ttsFailuresDesc: prometheus.NewDesc(
			"voicebridge_tts_failures_total",
			"Synthesis failures by provider",
			[]string{"provider"}, nil,
		),
		utterancesDesc: prometheus.NewDesc(
			"voicebridge_utterances_total",
			"Utterances accepted by the audio fork",
			nil, nil,
		),
		uptimeSecondsDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.registeredDesc
	ch <- c.regStatusDesc
	ch <- c.sttAttemptsDesc
	ch <- c.sttFailuresDesc
	ch <- c.ttsAttemptsDesc
	ch <- c.ttsFailuresDesc
	ch <- c.utterancesDesc
	ch <- c.uptimeSecondsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCount()),
		)
		for _, t := range c.calls.Totals() {
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue,
				float64(t.Count), t.Direction, t.Disposition,
			)
		}
	}

	if c.registrar != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue,
			float64(c.registrar.RegisteredCount()),
		)
		for _, reg := range c.registrar.Statuses() {
			val := 0.0
			if reg.Status == sip.StatusRegistered {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.regStatusDesc, prometheus.GaugeValue, val,
				reg.Extension, string(reg.Status),
			)
		}
	}

	if c.sttStats != nil {
		for _, s := range c.sttStats.Stats() {
			ch <- prometheus.MustNewConstMetric(
				c.sttAttemptsDesc, prometheus.CounterValue,
				float64(s.Attempts), s.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.sttFailuresDesc, prometheus.CounterValue,
				float64(s.Failures), s.Name,
			)
		}
	}

	if c.ttsStats != nil {
		for _, s := range c.ttsStats.Stats() {
			ch <- prometheus.MustNewConstMetric(
				c.ttsAttemptsDesc, prometheus.CounterValue,
				float64(s.Attempts), s.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.ttsFailuresDesc, prometheus.CounterValue,
				float64(s.Failures), s.Name,
			)
		}
	}

	if c.utterances != nil {
		ch <- prometheus.MustNewConstMetric(
			c.utterancesDesc, prometheus.CounterValue,
			float64(c.utterances.UtteranceCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeSecondsDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
