// Package timeouts defines shared timeout constants used across commands.
package timeouts

import "time"

// HealthCheck caps the wait for a service to report SERVING.
const HealthCheck = 5 * time.Second

// Shutdown limits how long telemetry and servers wait during graceful
// shutdown.
const Shutdown = 5 * time.Second
