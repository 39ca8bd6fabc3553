package apishim

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/sharebox/apishim/domain"
)

// WithOptions applies a series of configuration functions to the shim.
// It stops at the first option that fails.
func (shim *Shim) WithOptions(options ...func(*Shim) error) error {
	for _, option := range options {
		err := option(shim)
		if err != nil {
			return fmt.Errorf("applying option on apishim : %w", err)
		}
	}
	return nil
}

// WithConfigDir loads the configuration from appConfigDir, creating the directory and a default
// config.yaml when missing, and applies the journal scope it defines.
func WithConfigDir(appConfigDir string) func(*Shim) error {
	return func(shim *Shim) error {
		cfg, err := LoadConfig(nil, appConfigDir)
		if err != nil {
			return fmt.Errorf("loading config from %s : %w", appConfigDir, err)
		}
		return WithConfig(cfg)(shim)
	}
}

// WithConfig uses an already loaded configuration and applies the journal scope it defines
func WithConfig(cfg *Config) func(*Shim) error {
	return func(shim *Shim) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		scope, err := cfg.Scope()
		if err != nil {
			return fmt.Errorf("building scope : %w", err)
		}
		shim.Config = cfg
		shim.ConfigDir = cfg.ConfigDir
		shim.Scope = scope
		return nil
	}
}

// WithLogger sets the structured logger. A nil logger falls back to a text handler on stderr.
func WithLogger(logger *slog.Logger) func(*Shim) error {
	return func(shim *Shim) error {
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
		}
		shim.Logger = logger
		return nil
	}
}

// WithRewriter sets the Rewriter applied by RewriteRequestModifier
func WithRewriter(rw *Rewriter) func(*Shim) error {
	return func(shim *Shim) error {
		if rw == nil {
			return ErrNilRewriter
		}
		shim.Rewriter = rw
		return nil
	}
}

// WithScope replaces the journal scope
func WithScope(scope *Scope) func(*Shim) error {
	return func(shim *Shim) error {
		shim.Scope = scope
		return nil
	}
}

// WithRepo sets the journal storage, closing the previous one if there was one
func WithRepo(repo Repository) func(*Shim) error {
	return func(shim *Shim) error {
		if shim.Repo != nil {
			if err := shim.Repo.Close(); err != nil {
				return fmt.Errorf("closing previous repo : %w", err)
			}
			shim.Repo = nil
		}
		shim.Repo = repo
		return nil
	}
}

// WithUpstream replaces the transport requests are forwarded with
func WithUpstream(upstream http.RoundTripper) func(*Shim) error {
	return func(shim *Shim) error {
		if upstream == nil {
			return errors.New("upstream transport is nil")
		}
		shim.upstream = upstream
		return nil
	}
}

// WithRequestHandler takes a handler function that will be executed on each journaled request
func WithRequestHandler(handler func(req domain.ExchangeRequest) error) func(*Shim) error {
	return func(shim *Shim) error {
		if shim.OnRequest != nil {
			return errors.New("shim already has a request handler defined")
		}
		shim.OnRequest = handler
		return nil
	}
}

// WithResponseHandler takes a handler function that will be executed on each journaled response
func WithResponseHandler(handler func(res domain.ExchangeResponse) error) func(*Shim) error {
	return func(shim *Shim) error {
		if shim.OnResponse != nil {
			return errors.New("shim already has a response handler defined")
		}
		shim.OnResponse = handler
		return nil
	}
}

// WithLogHandler takes a handler function that will be executed on each log
func WithLogHandler(handler func(log domain.Log) error) func(*Shim) error {
	return func(shim *Shim) error {
		if shim.OnLog != nil {
			return errors.New("shim already has a log handler defined")
		}
		shim.OnLog = handler
		return nil
	}
}

// WithDefaultModifiers installs the default pipelines:
//
//	request:  setup, skip CONNECT, rewrite, prevent loop, scope, write
//	response: filter, write
//
// Loop prevention checks the rewritten target.
func WithDefaultModifiers() func(*Shim) error {
	return func(shim *Shim) error {
		if shim.Rewriter == nil {
			return ErrRewriterNotFound
		}
		shim.AddRequestModifier(SetupRequestModifier)
		shim.AddRequestModifier(SkipConnectRequestModifier)
		shim.AddRequestModifier(RewriteRequestModifier)
		shim.AddRequestModifier(PreventLoopModifier)
		shim.AddRequestModifier(ScopeRequestModifier)
		shim.AddRequestModifier(WriteRequestModifier)

		shim.AddResponseModifier(ResponseFilterModifier)
		shim.AddResponseModifier(WriteResponseModifier)
		return nil
	}
}
