package main

import (
	"fmt"
	"log"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/engine"
	"github.com/taskmirror/taskmirror/internal/notion"
	"github.com/taskmirror/taskmirror/internal/store"
	"github.com/taskmirror/taskmirror/internal/todoist"
)

// buildEngine wires the adapters, store and engine from configuration.
// The caller owns the returned store and must Close it.
func buildEngine(cfg *config.Config, logger *log.Logger) (*engine.Engine, *store.Store, error) {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store at %s: %w", cfg.StorePath, err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	source := todoist.New(cfg.TodoistToken, &todoist.Options{Logger: logger})
	sink := notion.New(cfg.NotionToken, notion.Databases{
		Projects:   cfg.ProjectsDatabaseID,
		Tasks:      cfg.TasksDatabaseID,
		Categories: cfg.CategoriesDatabaseID,
	}, cfg.SinkSchema, &notion.Options{Logger: logger})

	eng := engine.New(source, sink, st, st, &engine.Options{
		SourceTag: cfg.SourceTag,
		Logger:    logger,
	})
	return eng, st, nil
}
