package main

import (
	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/db"
	"github.com/taskpilot/taskpilot/internal/store"
)

// provideStore opens the sqlite pools and initializes the schema. The
// returned cleanup closes both pools (running PRAGMA optimize first).
func provideStore(cfg *config.Config) (*store.Store, func() error, error) {
	writer, reader, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(writer, reader)
	if err != nil {
		_ = db.Close(writer, reader)
		return nil, nil, err
	}
	return st, func() error { return db.Close(writer, reader) }, nil
}
