package constants

import "time"

// Shared duration vocabulary used by timeouts, polling and retry checks.
// Keep these centralized to simplify system-wide timing tuning.
const (
	Duration100Milliseconds = 100 * time.Millisecond
	Duration250Milliseconds = 250 * time.Millisecond
	Duration500Milliseconds = 500 * time.Millisecond

	Duration1Second   = 1 * time.Second
	Duration2Seconds  = 2 * time.Second
	Duration5Seconds  = 5 * time.Second
	Duration10Seconds = 10 * time.Second
	Duration15Seconds = 15 * time.Second
	Duration30Seconds = 30 * time.Second
	Duration60Seconds = 60 * time.Second

	Duration10Minutes = 10 * time.Minute
)

// Domain-level timeout constants.
const (
	ProcessGracefulShutdownTimeout = Duration10Seconds
	ProcessReadyTimeout            = Duration15Seconds
	CopilotReadyTimeout            = Duration30Seconds

	ProviderTestTimeout  = Duration10Seconds
	ManagementAPITimeout = Duration5Seconds
	StatusPollInterval   = Duration30Seconds

	OAuthFlowTTL            = Duration10Minutes
	OAuthSweepInterval      = Duration60Seconds
	DaemonShutdownTimeout   = Duration30Seconds
	ClientRequestTimeout    = Duration60Seconds
	SystemProxyProbeTimeout = Duration2Seconds
)
