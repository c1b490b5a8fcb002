package entity

import "errors"

// Routing and scaling error taxonomy. Transient per-instance failures are
// retried inside RouteRequest; only total exhaustion reaches the caller.
var (
	// ErrNoHealthyServers is returned when no candidate server is
	// available after filtering and retries.
	ErrNoHealthyServers = errors.New("no healthy servers available")

	// ErrCircuitOpen is returned when an instance's circuit breaker is
	// isolating it. The router treats it as a retriable failure.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRequestTimeout indicates a bounded probe or provisioning call
	// exceeded its deadline. Counts as a failure for breaker and health.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrScalingInProgress is returned by the single-flight guard when an
	// evaluation is already running. Callers skip, they do not queue.
	ErrScalingInProgress = errors.New("scaling operation already in progress")

	// ErrProvisioningFailure indicates the provisioning provider failed to
	// add or remove an instance. Fleet state is left unchanged.
	ErrProvisioningFailure = errors.New("provisioning operation failed")

	// ErrHealthCheckFailure indicates a probe error. Recovered locally by
	// marking the instance unhealthy; never surfaced to routing callers.
	ErrHealthCheckFailure = errors.New("health check failed")

	// ErrServerNotFound is returned for operations on unknown server ids.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerExists is returned when registering a duplicate server id.
	ErrServerExists = errors.New("server already registered")

	// ErrDrainTimeout indicates a drain completed by timeout rather than
	// by connections reaching zero.
	ErrDrainTimeout = errors.New("drain timed out with connections still active")

	// ErrSessionNotFound is returned by the session store on a miss.
	ErrSessionNotFound = errors.New("session not found")
)
