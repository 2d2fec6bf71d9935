// Package obs carries the service's operational surface: the shared JSON
// logger, Prometheus metrics, and build metadata.
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide logger. It writes bare lines to stdout;
// callers are expected to hand it pre-formatted JSON, usually via Emit.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Emit marshals the entry and writes it as a single JSON line. A marshal
// failure (an unencodable attribute value, say) is itself logged rather
// than dropped silently.
func Emit(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log entry marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
