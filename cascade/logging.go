/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging points the standard logger at a rotating log file.
// MaxSizeMB/MaxBackups/MaxAgeDays fall back to 20MB/3/14 days when unset
// in LogConf.
func SetupLogging(lc LogConf) error {
	log.SetFlags(log.Lshortfile | log.Ltime)

	if lc.File == "" {
		log.Fatalf("Error: standard log (key log.file) not specified")
	}

	maxSize := lc.MaxSizeMB
	if maxSize == 0 {
		maxSize = 20
	}
	maxBackups := lc.MaxBackups
	if maxBackups == 0 {
		maxBackups = 3
	}
	maxAge := lc.MaxAgeDays
	if maxAge == 0 {
		maxAge = 14
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	})
	return nil
}

// SetupCliLogging configures the standard logger for cascadectl: plain
// output by default, file/line info when verbose is requested.
func SetupCliLogging(verbose bool) {
	if verbose {
		log.SetFlags(log.Lshortfile | log.Ltime)
	} else {
		log.SetFlags(0)
	}
}
