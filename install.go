package apishim

import (
	"errors"
	"net/http"
	"sync"
)

var (
	// ErrAlreadyInstalled is returned by Install while a previous Installation is still open
	ErrAlreadyInstalled = errors.New("rewriter is already installed")

	// ErrNilRewriter is returned when Install is called without a Rewriter
	ErrNilRewriter = errors.New("rewriter is nil")
)

// installMu guards the process wide transports, installed is true while an Installation is open
var (
	installMu sync.Mutex
	installed bool
)

// Installation is the handle returned by Install. Closing it puts the previous
// transports back and allows Install to be called again.
type Installation struct {
	once                    sync.Once
	previousTransport       http.RoundTripper
	previousClientTransport http.RoundTripper
}

// Install wraps http.DefaultTransport, and the transport of http.DefaultClient when it has
// its own, so that every request made through them is rewritten by rw.
// Only one Installation can be open per process.
func Install(rw *Rewriter) (*Installation, error) {
	if rw == nil {
		return nil, ErrNilRewriter
	}

	installMu.Lock()
	defer installMu.Unlock()

	if installed {
		return nil, ErrAlreadyInstalled
	}

	inst := &Installation{
		previousTransport:       http.DefaultTransport,
		previousClientTransport: http.DefaultClient.Transport,
	}

	http.DefaultTransport = NewTransport(rw, inst.previousTransport)
	if inst.previousClientTransport != nil {
		http.DefaultClient.Transport = NewTransport(rw, inst.previousClientTransport)
	}
	installed = true
	return inst, nil
}

// Close restores the transports that were in place before Install. It is safe to call more than once.
func (inst *Installation) Close() error {
	inst.once.Do(func() {
		installMu.Lock()
		defer installMu.Unlock()

		http.DefaultTransport = inst.previousTransport
		http.DefaultClient.Transport = inst.previousClientTransport
		installed = false
	})
	return nil
}

// Installed reports whether an Installation is currently open
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed
}
