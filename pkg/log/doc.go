// Package log provides structured logging for wrenchsim using zerolog.
//
// The package-level default (JSON at info level on stdout) is usable
// immediately; an embedder reconfigures with Init and options
// (WithLevel, WithConsole, WithOutput). Every component logs through a
// logger scoped with WithComponent rather than the bare root Logger, so
// log lines can be filtered by subsystem (aes, batch, css, controller,
// ...).
package log
