package protocol

import "sync/atomic"

// Request is the payload of a request frame sent to a worker.
type Request struct {
	Method     string              `msgpack:"method"`
	Path       string              `msgpack:"path"`
	Query      string              `msgpack:"query"`
	Proto      string              `msgpack:"proto,omitempty"`
	Headers    map[string][]string `msgpack:"headers"`
	Body       []byte              `msgpack:"body"`
	RemoteAddr string              `msgpack:"remote_addr,omitempty"`
	Host       string              `msgpack:"host,omitempty"`
	TimeoutMs  int                 `msgpack:"timeout_ms,omitempty"`
}

// Response is the payload of a response frame received from a worker.
type Response struct {
	Status  int                 `msgpack:"status"`
	Headers map[string][]string `msgpack:"headers"`
	Body    []byte              `msgpack:"body"`
	Error   string              `msgpack:"error,omitempty"`
	Meta    ResponseMeta        `msgpack:"_meta,omitempty"`
}

// ResponseMeta carries worker self-reported state piggybacked on a response.
type ResponseMeta struct {
	ReqCount int  `msgpack:"req_count,omitempty"`
	MemUsage int  `msgpack:"mem_usage,omitempty"`
	MemPeak  int  `msgpack:"mem_peak,omitempty"`
	Recycle  bool `msgpack:"recycle,omitempty"`
}

var requestIDCounter uint64

// NextRequestID returns a process-unique request identifier. Workers echo the
// identifier back in the response frame header so a response can be matched
// to its request on a reused connection.
func NextRequestID() uint64 {
	return atomic.AddUint64(&requestIDCounter, 1)
}
