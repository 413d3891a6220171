// Package logx configures feedwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator-chat sink (min-level + rate limiting) so warnings
//     from the poll loop or stream listener reach whoever runs the bot
package logx
