package cli

import (
	"message-router/internal/common/logging"
	"message-router/internal/config"
	"message-router/internal/routing"
)

func tableOf(r *config.Resolved) (*routing.Table, error) {
	return routing.NewTable(r.Routing.Entries, r.Routing.RouteOnHeadersOnly, logging.NewNopLogger())
}
