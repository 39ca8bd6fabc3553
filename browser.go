package apishim

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrChromeNotFound is returned when no Chrome or Chromium executable could be found
var ErrChromeNotFound = errors.New("chrome executable not found")

// ChromePath is an extra location to look for Chrome on the given GOOS
type ChromePath struct {
	OS   string `mapstructure:"os"`
	Path string `mapstructure:"path"`
}

// findChrome returns the first Chrome or Chromium executable found for goos.
// The well known install locations are checked before customPaths.
func findChrome(goos string, customPaths []ChromePath) string {
	var paths []string
	switch goos {
	case "darwin":
		paths = []string{
			`/Applications/Google Chrome.app/Contents/MacOS/Google Chrome`,
			`/Applications/Chromium.app/Contents/MacOS/Chromium`,
			`/usr/local/bin/chrome`,
			`/usr/local/bin/chromium`,
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\Chromium\Application\chrome.exe`,
		}
	case "linux":
		paths = []string{
			`/usr/bin/google-chrome`,
			`/usr/bin/chromium-browser`,
			`/usr/bin/chromium`,
			`/snap/bin/chromium`,
		}
	}
	for _, custom := range customPaths {
		if custom.OS == goos {
			paths = append(paths, custom.Path)
		}
	}

	for _, path := range paths {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}
	return ""
}

// chromeArgs returns the flags for a Chrome instance that sends everything, loopback
// included, through the proxy at proxyAddr.
func chromeArgs(profileDir string, proxyAddr string, startURL string) []string {
	if startURL == "" {
		startURL = "about:blank"
	}
	return []string{
		fmt.Sprintf("--user-data-dir=%s", profileDir),
		fmt.Sprintf("--proxy-server=http://%s", proxyAddr),
		// Chrome bypasses proxies for loopback unless told otherwise, and the legacy endpoint is loopback
		"--proxy-bypass-list=<-loopback>",
		"--disable-background-networking",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--disable-sync",
		"--metrics-recording-only",
		"--disable-domain-reliability",
		"--no-first-run",
		"--disable-component-update",
		"--disable-search-engine-choice",
		startURL,
	}
}

// StartChrome launches Chrome with an isolated profile in the config dir, using the shim as its
// proxy, and opens startURL (the client application, usually). The shim must be listening.
func (shim *Shim) StartChrome(startURL string) error {
	if shim.Addr == "" {
		return errors.New("shim is not listening")
	}

	var customPaths []ChromePath
	if shim.Config != nil {
		customPaths = shim.Config.ChromePaths
	}
	chromePath := findChrome(runtime.GOOS, customPaths)
	if chromePath == "" {
		return fmt.Errorf("%w on %s", ErrChromeNotFound, runtime.GOOS)
	}

	profileDir := filepath.Join(shim.ConfigDir, "chrome-profile")
	cmd := exec.Command(chromePath, chromeArgs(profileDir, shim.ListenerAddr(), startURL)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting chrome : %w", err)
	}
	shim.Logger.Info("chrome started", "path", chromePath, "url", startURL)

	// Reap the process once the window is closed
	go cmd.Wait()
	return nil
}
