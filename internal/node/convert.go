package node

import (
	"fmt"

	"quorumdb/internal/coordinator"
	"quorumdb/internal/protocol"
)

// recordOf converts the agreed value of a record task into a Record.
func recordOf(res *coordinator.Result) (protocol.Record, error) {
	if res == nil || res.Response == nil {
		return protocol.Record{}, fmt.Errorf("node: no answer for request %s", requestOf(res))
	}
	rec, ok := protocol.RecordFromValue(res.Value())
	if !ok {
		return protocol.Record{}, fmt.Errorf("node: request %s answered %T, not a record", res.RequestID, res.Value())
	}
	return rec, nil
}

// resultsOf converts the agreed value of a prepared transaction into the
// per-operation results.
func resultsOf(res *coordinator.Result) ([]any, error) {
	if res == nil || res.Response == nil {
		return nil, fmt.Errorf("node: no answer for request %s", requestOf(res))
	}
	switch v := res.Value().(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	default:
		return nil, fmt.Errorf("node: request %s answered %T, not a result list", res.RequestID, v)
	}
}

func requestOf(res *coordinator.Result) string {
	if res == nil {
		return "?"
	}
	return res.RequestID.String()
}
