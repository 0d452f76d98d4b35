/*
Package log provides structured logging for Cillow using zerolog.

The surface is deliberately small: Init wires level, format and destination
once at process start, WithComponent tags a subsystem, and ForWorker builds
the logger used around a pooled interpreter so that client identity,
environment and worker pid appear on every line. Output defaults to stderr
because interpreter workers reserve stdout for the frame channel back to the
broker.

	log.Init("info", true, nil)

	poolLog := log.WithComponent("pool")
	poolLog.Info().Msg("broker ready")

	wl := log.ForWorker("pool", clientID, env, pid)
	wl.Warn().Msg("worker died mid-request")
*/
package log
