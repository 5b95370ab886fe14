package engine

import "context"

// resolveCategories reads the sink's grouping table once per run and
// returns a name→sinkId lookup. Category linking is best-effort: a
// missing or misconfigured table yields an empty map and a warning,
// never an aborted run.
func (e *Engine) resolveCategories(ctx context.Context) map[string]string {
	out := make(map[string]string)

	cats, err := e.sink.QueryCategories(ctx)
	if err != nil {
		e.logger.Printf("WARNING: category table unavailable, projects will sync without category links: %v", err)
		return out
	}

	for _, c := range cats {
		if c.Name == "" || c.SinkID == "" {
			continue
		}
		out[c.Name] = c.SinkID
	}
	return out
}
