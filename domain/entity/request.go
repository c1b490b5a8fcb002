package entity

// RequestContext carries the request attributes selection strategies and
// session affinity operate on.
type RequestContext struct {
	ClientIP  string            `json:"client_ip"`
	SessionID string            `json:"session_id,omitempty"`
	Region    string            `json:"region,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// RouteResult is the outcome of one routing call.
type RouteResult struct {
	Server   *ServerInstance `json:"server"`
	Attempts int             `json:"attempts"`
	Sticky   bool            `json:"sticky"`
}
