package util

import (
	"github.com/sirupsen/logrus"
)

// Debug is the verbosity threshold for DPrintf.
var Debug uint64 = 0

// Log is the logger every package in blockfs writes through. DPrintf output
// is emitted at debug level, so it only shows once the caller lowers Log's
// level as well as raising Debug.
var Log = logrus.New()

// SetDebug raises both thresholds at once.
func SetDebug(level uint64) {
	Debug = level
	if level > 0 {
		Log.SetLevel(logrus.DebugLevel)
	}
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		Log.Debugf(format, a...)
	}
}

// Fields returns an entry for structured events (mount, format, reclaim).
func Fields(f logrus.Fields) *logrus.Entry {
	return Log.WithFields(f)
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// DivUp is x/k, rounded up.
func DivUp(x uint64, k uint64) uint64 {
	return (x + (k - 1)) / k
}
