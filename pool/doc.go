// Package pool shares upstream MCP connections between concurrent callers.
//
// Connections are keyed by (scope, server). Each moves through
// connecting -> active -> closing. Establishment for one key is
// single-flight: concurrent callers that find no usable connection join one
// dial, while different keys dial independently. Every operation releases
// its connection on all paths, and an operation error that wraps
// ErrTransport evicts the connection so the next caller redials.
//
// Idle connections are reclaimed by Sweep, which Run drives on a ticker.
//
//	res, err := pool.Do(ctx, p, key, target, func(ctx context.Context, c pool.Client) (*mcp.ListToolsResult, error) {
//		return c.ListTools(ctx, &mcp.ListToolsParams{})
//	})
package pool
