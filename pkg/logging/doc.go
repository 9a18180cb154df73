// Package logging configures structured logging for pubsubd.
//
// It wraps log/slog so every component logs the same way. Components accept a
// *slog.Logger through an option and fall back to Nop() when none is given.
//
// # Usage
//
//	logger, closeLog, err := logging.Open(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	    File:   "/var/log/pubsubd.log",
//	})
//	if err != nil {
//	    return err
//	}
//	defer closeLog()
//
//	logger.Info("server started", "addr", ":4300")
//
// When File is set, records go to both the configured Output (stderr by
// default) and the file, which is opened in append mode.
package logging
