// Package logx configures microclaw's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp and short caller)
//   - file output as JSON lines
//   - an optional chat alert sink for warnings (min level plus rate limit)
package logx
