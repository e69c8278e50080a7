// Package logx configures keyq's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks swappable at runtime (Service.Apply) so config reloads take effect
//     without rebuilding every component's logger
package logx
