// Package logging provides structured, context-aware logging for loopd.
//
// It wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - automatic correlation fields taken from the context (trace_id,
//     request.id, loop.id, op)
//   - secret redaction in the encoder
//   - level-aware sampling where errors are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithLoopID(ctx, "loop-42")
//	logger.Info(ctx, "status changed", zap.String("to", "closed"))
//
// Components that only need a plain *zap.Logger receive Underlying().
// Tests use NewTestLogger, which records every entry through zaptest/observer.
package logging
