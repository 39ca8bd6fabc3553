package apishim

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/sharebox/apishim/core"
)

var (
	// ErrDropped is returned when the request / response should be dropped completely.
	// The request will not reach the server and no later modifier runs.
	ErrDropped = errors.New("item dropped")

	// ErrSkipPipeline is returned to stop the modifier pipeline for a request / response.
	// The request / response will still continue but won't be processed by any future modifiers
	ErrSkipPipeline = errors.New("stop processing item")

	// ErrMetadataNotFound is returned when metadata is invalid or missing
	ErrMetadataNotFound = errors.New("invalid or missing metadata")

	// ErrRequestIDNotFound is returned when requestID is not found
	ErrRequestIDNotFound = errors.New("invalid or missing requestID")

	// ErrRewriterNotFound is returned when the shim has no Rewriter
	ErrRewriterNotFound = errors.New("no rewriter defined")

	// ErrExchangeRequest is returned when the journal record of a request cannot be created
	ErrExchangeRequest = errors.New("failed to create exchange request")

	// ErrExchangeResponse is returned when the journal record of a response cannot be created
	ErrExchangeResponse = errors.New("failed to create exchange response")
)

// RequestModifierFunc is a signature for HTTP request modifiers, it takes in the request and *Shim
type RequestModifierFunc func(shim *Shim, req *http.Request) error

// ResponseModifierFunc is a signature for HTTP response modifiers, it takes in the response and *Shim
type ResponseModifierFunc func(shim *Shim, res *http.Response) error

// reqAdapter lets a RequestModifierFunc satisfy martian.RequestModifier with access to the *Shim
type reqAdapter struct {
	shim     *Shim
	modifier RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.shim, req)
}

// resAdapter lets a ResponseModifierFunc satisfy martian.ResponseModifier with access to the *Shim
type resAdapter struct {
	shim     *Shim
	modifier ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.shim, res)
}

// skipRoundTrip tells martian not to forward req. Requests martian does not know about are left alone.
func skipRoundTrip(req *http.Request) {
	if ctx := martian.NewContext(req); ctx != nil {
		ctx.SkipRoundTrip()
	}
}

func skippingRoundTrip(req *http.Request) bool {
	ctx := martian.NewContext(req)
	return ctx != nil && ctx.SkippingRoundTrip()
}

// getHostPort returns the host:port the request is sent to.
// It falls back to 443 or 80 depending on the scheme or req.TLS
func getHostPort(req *http.Request) string {
	hostPort := req.URL.Host
	if hostPort == "" {
		hostPort = req.Host
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		if req.URL.Scheme == "https" || req.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}

	return net.JoinHostPort(host, port)
}

// SetupRequestModifier initializes the request context with the request ID, the request time and
// an empty metadata map. Requests in origin form (the shim used as a reverse proxy) get their
// scheme and host filled in so the rewriter sees an absolute URL.
func SetupRequestModifier(shim *Shim, req *http.Request) error {
	*req = *core.ContextWithRequestTime(req, time.Now().UTC())

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating uuid for request : %w", err)
	}

	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
		if req.TLS != nil {
			req.URL.Scheme = "https"
		}
	}

	*req = *core.ContextWithRequestID(req, id)
	*req = *core.ContextWithMetadata(req, make(map[string]any))
	return nil
}

// SkipConnectRequestModifier will skip processing for CONNECT requests
func SkipConnectRequestModifier(shim *Shim, req *http.Request) error {
	if req.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	return nil
}

// RewriteRequestModifier applies the shim's Rewriter to the request. The URL the client asked
// for is kept in the context and, together with the outcome, in the metadata as
// "original_url" and "rewritten".
func RewriteRequestModifier(shim *Shim, req *http.Request) error {
	if shim.Rewriter == nil {
		return ErrRewriterNotFound
	}
	metadata, ok := core.MetadataFromContext(req.Context())
	if !ok {
		return ErrMetadataNotFound
	}

	original := req.URL.String()
	metadata["original_url"] = original
	*req = *core.ContextWithOriginalURL(req, original)

	rewritten := shim.Rewriter.RewriteRequest(req)
	if rewritten == req {
		metadata["rewritten"] = false
		return nil
	}

	metadata["rewritten"] = true
	*req = *rewritten
	shim.Logger.Debug("rewrote request", "from", original, "to", req.URL.String())
	return nil
}

// PreventLoopModifier stops requests that would be forwarded to the shim's own listener.
// localhost and 127.0.0.1 are treated as the same host.
func PreventLoopModifier(shim *Shim, req *http.Request) error {
	if shim.Addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(getHostPort(req))
	if err != nil {
		return nil
	}

	if host == "localhost" {
		host = "127.0.0.1"
	}

	listenerAddr := shim.Addr
	if listenerAddr == "localhost" {
		listenerAddr = "127.0.0.1"
	}

	if host == listenerAddr && port == shim.Port {
		skipRoundTrip(req)
		*req = *core.ContextWithSkipFlag(req, true)
		return ErrSkipPipeline
	}
	return nil
}

// ScopeRequestModifier keeps requests that are out of scope, and requests for the status
// endpoint, out of the journal. They are still forwarded.
func ScopeRequestModifier(shim *Shim, req *http.Request) error {
	if req.URL.Host == StatusHost || (shim.Scope != nil && !shim.Scope.Matches(req)) {
		*req = *core.ContextWithSkipFlag(req, true)
		return ErrSkipPipeline
	}
	return nil
}

// WriteRequestModifier is the final modifier in the default request pipeline.
// It creates the journal record of the request and queues it for the database.
// The OnRequest handler, when defined, is called with the record.
func WriteRequestModifier(shim *Shim, req *http.Request) error {
	reqID, ok := core.RequestIDFromContext(req.Context())
	if !ok {
		return ErrRequestIDNotFound
	}

	exchangeRequest, err := NewExchangeRequest(req, reqID)
	if err != nil {
		return fmt.Errorf("%w : %w", ErrExchangeRequest, err)
	}
	shim.DBWriteChannel <- exchangeRequest

	if shim.OnRequest != nil {
		if err := shim.OnRequest(*exchangeRequest); err != nil {
			return fmt.Errorf("running request handler : %w", err)
		}
	}
	return nil
}

// ResponseFilterModifier performs the initial filtering of responses.
// Responses to CONNECT requests, to skipped requests or to requests whose round trip
// was skipped end the pipeline. Everything else gets its response time.
func ResponseFilterModifier(shim *Shim, res *http.Response) error {
	if res.Request == nil {
		return ErrSkipPipeline
	}
	if res.Request.Method == http.MethodConnect || skippingRoundTrip(res.Request) {
		return ErrSkipPipeline
	}
	if skip, ok := core.SkipFlagFromContext(res.Request.Context()); ok && skip {
		return ErrSkipPipeline
	}
	res.Request = core.ContextWithResponseTime(res.Request, time.Now().UTC())
	return nil
}

// WriteResponseModifier is the final modifier in the default response pipeline.
// It creates the journal record of the response and queues it for the database.
// The OnResponse handler, when defined, is called with the record.
func WriteResponseModifier(shim *Shim, res *http.Response) error {
	exchangeResponse, err := NewExchangeResponse(res)
	if err != nil {
		return fmt.Errorf("%w : %w", ErrExchangeResponse, err)
	}
	shim.DBWriteChannel <- exchangeResponse

	if shim.OnResponse != nil {
		if err := shim.OnResponse(*exchangeResponse); err != nil {
			return fmt.Errorf("running response handler : %w", err)
		}
	}
	return nil
}
