// Package logx configures timerd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller) and file output JSON-structured.
// Throttle rate-limits repeated lines per key.
package logx
