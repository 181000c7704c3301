// Package logging provides structured JSON logging for the teamrun server.
//
// It wraps log/slog. Child loggers carry persistent attributes so every line
// written while handling a session, team, project or connection can be
// filtered afterwards:
//
//	log := logger.WithTeam(team.ID).WithSession(sess.ID)
//	log.Info("turn committed", "iteration", 3, "cost", 0.42)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"turn committed","team_id":"...","session_id":"...","iteration":3,"cost":0.42}
//
// When a log directory is configured the file is rotated by size through
// [RotatingWriter]; otherwise output goes to stderr. Tests use [NopLogger].
package logging
