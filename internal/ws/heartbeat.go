package ws

import (
	"time"
)

// HeartbeatConfig tunes dead-connection detection.
type HeartbeatConfig struct {
	Interval time.Duration // ping period
	Timeout  time.Duration // grace after Interval before a silent connection is dropped
}

// DefaultHeartbeatConfig pings every 30s and drops after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those
// silent for longer than Interval+Timeout. It stops with the server.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				sweep(server, config, now)
			}
		}
	}()
}

func sweep(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.logger.Info("heartbeat timeout", "session_id", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			server.logger.Warn("heartbeat ping failed", "session_id", c.ID, "error", err)
			server.RemoveConnection(c)
		}
	}
}
