package storage

import (
	"fmt"
	"strings"

	logx "cadencebot/pkg/logx"
)

// Open initializes the configured store. Dedup marks and quota counters
// live only in memory when it returns (nil, nil) for driver "" or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (want file, sqlite or none)", driver)
	}
}
