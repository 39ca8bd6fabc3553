// Package domain defines the data structures of the shim's journal and the repository
// interfaces that persist them.
//
// The journal keeps one row per proxied exchange: the URL the client asked for, the URL
// it was rewritten to, and the raw request and response. Repositories are interfaces so
// the shim stays independent of the storage technology.
package domain
