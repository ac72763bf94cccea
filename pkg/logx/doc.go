// Package logx configures racebot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Output/level changes applicable at runtime via Service.Apply()
package logx
