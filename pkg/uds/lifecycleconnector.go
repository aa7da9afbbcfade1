package uds

// Shutdown kinds requested by diagnostic services
type ShutdownType uint8

const (
	ShutdownHardReset ShutdownType = iota
	ShutdownKeyOffOn
	ShutdownSoftReset
	ShutdownPowerDown
)

// Time budget granted for a diagnostic reset
const ResetTimeMs uint32 = 1000

// LifecycleConnector couples the diagnostic stack to the system
// lifecycle. ECU reset and programming session entry defer the
// actual shutdown through this interface.
type LifecycleConnector interface {
	// RequestShutdown returns false when the shutdown cannot be
	// performed right now.
	RequestShutdown(shutdownType ShutdownType, timeBudgetMs uint32) bool
	IsModeChangePossible() bool
}
