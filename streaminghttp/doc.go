// Package streaminghttp implements the Streamable HTTP MCP transport on top
// of the gateway's session registry and handler chain.
//
// Routes
//
//	POST   {prefix}/mcp[/{serverID}]   send one JSON-RPC message
//	GET    {prefix}/mcp[/{serverID}]   open a keep-alive event stream
//	DELETE {prefix}/mcp[/{serverID}]   terminate the session
//
// A POST without an Mcp-Session-Id header must carry an initialize request.
// The handler generates the session ID, runs initialize through the chain and
// registers the session only once initialize succeeded. The ID is returned in
// the Mcp-Session-Id response header together with the negotiated
// Mcp-Protocol-Version.
//
// # Ordering
//
// Messages of one session are handled one at a time in arrival order. Requests
// answer with a JSON body, or with a single-event SSE response when the client
// prefers text/event-stream.
//
// # Authentication
//
// Every request is authenticated through auth.Gate. A session is only visible
// to the principal that created it on the same endpoint; other callers get 404.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	mux.Handle("/mcp/", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
