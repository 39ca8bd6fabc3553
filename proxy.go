// Package apishim rewrites outbound API requests for the sharebox client.
//
// Requests aimed at the legacy local development endpoint are redirected to the configured
// API base URL, requests to the backend origin always carry the API path prefix, and doubled
// path separators are collapsed. The rewriter is available in three forms:
//   - Rewriter, a pure function from URL to URL
//   - NewTransport, Client and Install, which apply it to Go HTTP clients
//   - Shim, a martian based dev proxy that applies it to every request a browser sends through it
//     and keeps a journal of the exchanges in SQLite
package apishim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/martian"
	"github.com/google/martian/fifo"
	"github.com/google/uuid"
	"github.com/sharebox/apishim/core"
	"github.com/sharebox/apishim/domain"
	"github.com/sharebox/apishim/rawhttp"
)

// Repository is everything the shim needs from the journal storage
type Repository interface {
	domain.JournalRepository
	domain.LogRepository
	domain.StatsRepository
	domain.ResolutionRepository
	Close() error
}

// Shim is the dev proxy. It owns the martian proxy, the modifier pipeline and the
// journal writer that drains DBWriteChannel.
type Shim struct {
	martianProxy   *martian.Proxy
	ConfigDir      string                                  // The configuration directory
	Config         *Config                                 // Loaded configuration, nil when options configure the shim directly
	Logger         *slog.Logger                            // Structured logger
	Repo           Repository                              // Journal storage, optional
	Rewriter       *Rewriter                               // Applied to every proxied request
	Scope          *Scope                                  // Decides which exchanges are journaled
	Modifiers      *fifo.Group                             // Modifier group pipeline
	DBWriteChannel chan any                                // *domain.ExchangeRequest, *domain.ExchangeResponse or *domain.Log
	OnRequest      func(req domain.ExchangeRequest) error  // Called for every journaled request
	OnResponse     func(res domain.ExchangeResponse) error // Called for every journaled response
	OnLog          func(log domain.Log) error              // Called for every log written through WriteLog
	Addr           string                                  // IP Address of the listener
	Port           string                                  // Port of the listener
	upstream       http.RoundTripper                       // Forwards requests, defaults to the utls transport

	mu         sync.Mutex
	listener   net.Listener
	writerDone chan struct{}
	closed     bool
}

// New creates a Shim and applies the options. Without WithDefaultModifiers the pipeline is empty
// and requests are forwarded untouched.
func New(options ...func(*Shim) error) (*Shim, error) {
	shim := &Shim{
		martianProxy:   martian.NewProxy(),
		Modifiers:      fifo.NewGroup(),
		DBWriteChannel: make(chan any, 10),
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Scope:          NewScope(true),
	}
	shim.martianProxy.SetRequestModifier(shim)
	shim.martianProxy.SetResponseModifier(shim)

	err := shim.WithOptions(options...)
	if err != nil {
		return nil, err
	}
	return shim, nil
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (shim *Shim) AddRequestModifier(modifier RequestModifierFunc) {
	adapter := &reqAdapter{shim: shim, modifier: modifier}
	shim.Modifiers.AddRequestModifier(adapter)
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (shim *Shim) AddResponseModifier(modifier ResponseModifierFunc) {
	adapter := &resAdapter{shim: shim, modifier: modifier}
	shim.Modifiers.AddResponseModifier(adapter)
}

// ModifyRequest runs the request pipeline. ErrSkipPipeline and ErrDropped end the pipeline
// without reporting an error to martian.
func (shim *Shim) ModifyRequest(req *http.Request) error {
	err := shim.Modifiers.ModifyRequest(req)
	if err == nil || errors.Is(err, ErrSkipPipeline) || errors.Is(err, ErrDropped) {
		return nil
	}
	shim.logPipelineError(req, "request", err)
	return err
}

// ModifyResponse runs the response pipeline.
func (shim *Shim) ModifyResponse(res *http.Response) error {
	err := shim.Modifiers.ModifyResponse(res)
	if err == nil || errors.Is(err, ErrSkipPipeline) || errors.Is(err, ErrDropped) {
		return nil
	}
	shim.logPipelineError(res.Request, "response", err)
	return err
}

func (shim *Shim) logPipelineError(req *http.Request, stage string, err error) {
	logContext := map[string]any{"stage": stage}
	var options []func(*domain.Log) error
	if req != nil {
		if req.URL != nil {
			logContext["url"] = req.URL.String()
		}
		if reqID, ok := core.RequestIDFromContext(req.Context()); ok {
			options = append(options, core.LogWithRequestID(reqID))
		}
	}
	options = append(options, core.LogWithContext(logContext))
	if logErr := shim.WriteLog("ERROR", fmt.Sprintf("running %s pipeline : %s", stage, err.Error()), options...); logErr != nil {
		shim.Logger.Error("writing log", "error", logErr)
	}
}

// Status reports the effective configuration and the journal counters
func (shim *Shim) Status() StatusReport {
	report := StatusReport{}
	if shim.Rewriter != nil {
		report.BaseURL = shim.Rewriter.BaseURL()
		report.BackendOrigin = shim.Rewriter.BackendOrigin()
	}
	report.Listener = shim.ListenerAddr()
	if shim.Repo != nil {
		stats, err := CollectStats(shim.Repo)
		if err != nil {
			shim.Logger.Warn("collecting stats", "error", err)
		} else {
			report.Stats = stats
		}
	}
	return report
}

// CollectStats reads all journal counters from repo
func CollectStats(repo domain.StatsRepository) (*domain.Stats, error) {
	exchanges, err := repo.CountExchanges()
	if err != nil {
		return nil, fmt.Errorf("counting exchanges : %w", err)
	}
	rewritten, err := repo.CountRewritten()
	if err != nil {
		return nil, fmt.Errorf("counting rewritten exchanges : %w", err)
	}
	failed, err := repo.CountFailed()
	if err != nil {
		return nil, fmt.Errorf("counting failed exchanges : %w", err)
	}
	return &domain.Stats{
		Exchanges: exchanges,
		Rewritten: rewritten,
		Failed:    failed,
	}, nil
}

// NewExchangeRequest builds the journal record of req. The request must have gone through
// SetupRequestModifier, the body is read and reset.
func NewExchangeRequest(req *http.Request, requestID uuid.UUID) (*domain.ExchangeRequest, error) {
	metadata, ok := core.MetadataFromContext(req.Context())
	if !ok {
		return nil, ErrMetadataNotFound
	}
	requestTime, ok := core.RequestTimeFromContext(req.Context())
	if !ok {
		return nil, fmt.Errorf("timestamp not found for this context")
	}

	url := req.URL.String()
	originalURL, ok := core.OriginalURLFromContext(req.Context())
	if !ok {
		originalURL = url
	}
	rewritten, _ := metadata["rewritten"].(bool)

	rawReq, prettified, err := rawhttp.DumpRequest(req)
	if err != nil {
		return nil, fmt.Errorf("dumping request %s body : %w", requestID, err)
	}

	// The map in the context is shared with the response, the record gets its own copy
	recordMetadata := make(map[string]any, len(metadata)+1)
	maps.Copy(recordMetadata, metadata)
	if prettified != "" {
		recordMetadata["prettified-request"] = prettified
	}

	return &domain.ExchangeRequest{
		ID:          requestID,
		Method:      req.Method,
		OriginalURL: originalURL,
		URL:         url,
		Rewritten:   rewritten,
		Raw:         domain.RawField(rawReq),
		Metadata:    recordMetadata,
		RequestedAt: requestTime,
	}, nil
}

// parseContentType returns the lower case media type of a Content-Type header
func parseContentType(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("empty content type header")
	}

	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", fmt.Errorf("parsing content type '%s': %w", header, err)
	}

	return strings.ToLower(mediaType), nil
}

// NewExchangeResponse builds the journal record of res. The body is read and reset,
// encoded bodies are decoded for the record only.
func NewExchangeResponse(res *http.Response) (*domain.ExchangeResponse, error) {
	if res.Request == nil {
		return nil, errors.New("response has no request")
	}
	requestID, ok := core.RequestIDFromContext(res.Request.Context())
	if !ok {
		return nil, ErrRequestIDNotFound
	}
	responseTime, ok := core.ResponseTimeFromContext(res.Request.Context())
	if !ok {
		return nil, fmt.Errorf("timestamp not found for this context")
	}

	rawRes, prettified, err := rawhttp.DumpResponse(res)
	if err != nil {
		return nil, fmt.Errorf("dumping response %s : %w", requestID, err)
	}

	var contentType string
	if res.StatusCode >= 300 && res.StatusCode < 400 {
		contentType = "text/plain"
	} else {
		contentType = "application/octet-stream"
		if parsed, err := parseContentType(res.Header.Get("Content-Type")); err == nil {
			contentType = parsed
		}
	}

	metadata := make(map[string]any)
	if ctxMetadata, ok := core.MetadataFromContext(res.Request.Context()); ok {
		maps.Copy(metadata, ctxMetadata)
	}
	if prettified != "" {
		metadata["prettified-response"] = prettified
	}

	length := res.Header.Get("Content-Length")
	if length == "" {
		length = "0"
	}

	return &domain.ExchangeResponse{
		ID:          requestID,
		Status:      res.Status,
		StatusCode:  res.StatusCode,
		ContentType: contentType,
		Length:      length,
		Raw:         domain.RawField(rawRes),
		Metadata:    metadata,
		RespondedAt: responseTime,
	}, nil
}

// WriteToDB drains DBWriteChannel into the repository until the channel is closed.
// Items are still handed to OnLog when no repository is configured.
func (shim *Shim) WriteToDB() {
	for item := range shim.DBWriteChannel {
		switch castItem := item.(type) {
		case *domain.ExchangeRequest:
			if shim.Repo == nil {
				continue
			}
			if err := shim.Repo.InsertRequest(castItem); err != nil {
				shim.Logger.Error("inserting request", "id", castItem.ID, "error", err)
			}
		case *domain.ExchangeResponse:
			if shim.Repo == nil {
				continue
			}
			if err := shim.Repo.InsertResponse(castItem); err != nil {
				shim.Logger.Error("inserting response", "id", castItem.ID, "error", err)
			}
		case *domain.Log:
			if shim.Repo != nil {
				if err := shim.Repo.InsertLog(castItem); err != nil {
					shim.Logger.Error("inserting log", "error", err)
				}
			}
			if shim.OnLog != nil {
				if err := shim.OnLog(*castItem); err != nil {
					shim.Logger.Error("running log handler", "error", err)
				}
			}
		default:
			shim.Logger.Warn("unknown journal item", "type", fmt.Sprintf("%T", item))
		}
	}
}

// WriteLog logs message through the logger and queues it for the journal
func (shim *Shim) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	var slogLevel slog.Level
	switch level {
	case "DEBUG":
		slogLevel = slog.LevelDebug
	case "INFO":
		slogLevel = slog.LevelInfo
	case "WARN":
		slogLevel = slog.LevelWarn
	case "ERROR":
		slogLevel = slog.LevelError
	default:
		return fmt.Errorf("level should be either: DEBUG, INFO, WARN, ERROR")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}

	attrs := []any{}
	if log.RequestID != nil {
		attrs = append(attrs, "request_id", log.RequestID.String())
	}
	shim.Logger.Log(context.Background(), slogLevel, message, attrs...)

	shim.DBWriteChannel <- log
	return nil
}

// GetListener opens a TCP listener for the shim and remembers its address for loop detection
func (shim *Shim) GetListener(address string, port string) (net.Listener, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}

	// Port 0 picks a free port
	if _, actualPort, err := net.SplitHostPort(listener.Addr().String()); err == nil {
		port = actualPort
	}
	shim.Addr = address
	shim.Port = port
	return listener, nil
}

// ListenerAddr returns the address:port of the listener, empty before GetListener
func (shim *Shim) ListenerAddr() string {
	if shim.Addr == "" {
		return ""
	}
	return net.JoinHostPort(shim.Addr, shim.Port)
}

// Serve starts the journal writer and serves the proxy on listener until Close is called
func (shim *Shim) Serve(listener net.Listener) error {
	shim.mu.Lock()
	if shim.closed {
		shim.mu.Unlock()
		return errors.New("shim is closed")
	}
	if shim.writerDone == nil {
		shim.writerDone = make(chan struct{})
		go func() {
			defer close(shim.writerDone)
			shim.WriteToDB()
		}()
	}
	shim.listener = listener

	upstream := shim.upstream
	if upstream == nil {
		insecure := shim.Config != nil && shim.Config.InsecureUpstream
		upstream = newUpstreamTransport(insecure)
	}
	shim.martianProxy.SetRoundTripper(&statusRoundTripper{
		shim: shim,
		base: upstream,
	})

	// Logged under the lock, Close must not close DBWriteChannel before the send
	if err := shim.WriteLog("INFO", fmt.Sprintf("apishim started on %s", listener.Addr())); err != nil {
		shim.Logger.Error("writing log", "error", err)
	}
	shim.mu.Unlock()

	return shim.martianProxy.Serve(listener)
}

// Close stops accepting connections, waits for in flight exchanges and flushes the
// journal writer. Serve returns an error wrapping net.ErrClosed. The repository is left open.
func (shim *Shim) Close() {
	shim.mu.Lock()
	defer shim.mu.Unlock()
	if shim.closed {
		return
	}
	shim.closed = true

	if shim.listener != nil {
		shim.listener.Close()
	}
	shim.martianProxy.Close()
	close(shim.DBWriteChannel)
	if shim.writerDone != nil {
		<-shim.writerDone
	}
}
