package main

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/trackle-iot/trackle-go/pkg/coap"
	"github.com/trackle-iot/trackle-go/pkg/protocol"
)

// simulation produces synthetic telemetry: a slow temperature sine wave
// published as an event at a configurable interval, plus the uptime
// counter backing the "uptime" variable.
type simulation struct {
	facade  *protocol.Facade
	logger  *slog.Logger
	started time.Time

	interval    time.Duration
	lastPublish time.Time
}

func newSimulation(facade *protocol.Facade, logger *slog.Logger) *simulation {
	return &simulation{
		facade:   facade,
		logger:   logger,
		started:  time.Now(),
		interval: 15 * time.Second,
	}
}

func (s *simulation) setInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

func (s *simulation) temperature() float64 {
	// 21.0 +/- 1.5 degrees over a ten-minute cycle.
	phase := time.Since(s.started).Seconds() / 600 * 2 * math.Pi
	return 21.0 + 1.5*math.Sin(phase)
}

func (s *simulation) uptimeSeconds() int32 {
	return int32(time.Since(s.started).Seconds())
}

// tick publishes a telemetry event when the interval has elapsed. Called
// from the main loop only while the supervisor is Ready.
func (s *simulation) tick(now time.Time) {
	if now.Sub(s.lastPublish) < s.interval {
		return
	}
	s.lastPublish = now

	payload := fmt.Sprintf(`{"temperature":%.2f,"uptime":%d}`, s.temperature(), s.uptimeSeconds())
	_, err := s.facade.Publish("telemetry/environment", []byte(payload), 0, coap.EventPrivate, func(err error) {
		if err != nil {
			s.logger.Warn("telemetry publish failed", "err", err)
		}
	}, now)
	if err != nil {
		s.logger.Warn("telemetry publish rejected", "err", err)
	}
}
