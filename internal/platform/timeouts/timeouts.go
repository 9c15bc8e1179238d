// Package timeouts defines shared timeout constants used by the services and
// tools. Keeping them here makes the durations discoverable.
package timeouts

import "time"

// StorageOpen caps connecting to and migrating a storage backend.
const StorageOpen = 10 * time.Second

// Tool is the default overall deadline for an operator tool run.
const Tool = 2 * time.Minute

// TelemetryShutdown limits how long a command waits for pending spans to
// flush on exit.
const TelemetryShutdown = 5 * time.Second
