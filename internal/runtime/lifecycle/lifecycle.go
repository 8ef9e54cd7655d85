// Package lifecycle carries process-level lifecycle vocabulary shared by
// the app and the entrypoint.
package lifecycle

// StopReason says why the daemon is shutting down. It ends up in logs and
// shutdown notifications.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)
