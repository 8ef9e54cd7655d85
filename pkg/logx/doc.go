// Package logx is taskpilot's thin structured-logging layer over zerolog.
//
// Logger is a value type: services receive one tagged with their component
// field and derive children with With. The Service behind it owns the sinks
// (readable console, JSON file) and can swap them live through Apply, so a
// config reload changes level and outputs without re-plumbing loggers.
package logx
