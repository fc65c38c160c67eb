package rest

import (
	"context"
	"fmt"
	"maps"

	"github.com/florianilch/crest/internal/tokenstore"
)

// MaxBatchCommands is the number of commands the batch method accepts per call.
const MaxBatchCommands = 50

// CallBatch sends several commands in one batch call.
//
// cmd maps a command name to a method, optionally with a query already
// appended. params holds raw key=value strings per command name, such as
// {"deals": {"select[]=TITLE", "order[ID]=DSC"}}; each is URL-encoded and
// appended to the command. halt is passed through to the server, which then
// aborts the batch on the first failing command.
func (c *Client) CallBatch(ctx context.Context, cred tokenstore.Record, cmd map[string]string, params map[string][]string, halt bool) (*Result, error) {
	cmds, err := buildBatch(cmd, params)
	if err != nil {
		return nil, err
	}
	return c.CallWithBody(ctx, cred, "batch", map[string]any{
		"halt": halt,
		"cmd":  cmds,
	})
}

// BatchCommand builds a command string from structured params, for example
// BatchCommand("crm.deal.get", map[string]any{"id": 42}) is "crm.deal.get?id=42".
func BatchCommand(method string, params map[string]any) string {
	return appendQuery(method, EncodeParams(params))
}

func buildBatch(cmd map[string]string, params map[string][]string) (map[string]string, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("batch has no commands")
	}
	if len(cmd) > MaxBatchCommands {
		return nil, fmt.Errorf("batch has %d commands, at most %d allowed", len(cmd), MaxBatchCommands)
	}

	out := maps.Clone(cmd)
	for _, name := range sortedKeys(params) {
		method, ok := out[name]
		if !ok {
			return nil, fmt.Errorf("batch params for unknown command %q", name)
		}
		out[name] = appendQuery(method, encodeRawParams(params[name]))
	}
	return out, nil
}
