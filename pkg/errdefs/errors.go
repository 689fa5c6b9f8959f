// Package errdefs defines the sentinel error kinds shared across gpm's
// collectors, store, proxy, and HTTP surfaces.
package errdefs

import "errors"

var (
	// ErrDriverInit gates the Driver -> Probe fallback decision in the
	// GPU backend.
	ErrDriverInit = errors.New("gpu driver initialization failed")
	// ErrDriverQuery is returned for a single device query failure; it
	// never aborts a whole poll tick.
	ErrDriverQuery = errors.New("gpu driver query failed")
	// ErrStore is returned for any Store accessor failure.
	ErrStore = errors.New("store operation failed")
	// ErrIO wraps filesystem/subprocess I/O failures.
	ErrIO = errors.New("io error")
	// ErrConfig wraps configuration load/parse failures.
	ErrConfig = errors.New("config error")
	// ErrSerialization wraps JSON/TOML/Parquet marshal failures.
	ErrSerialization = errors.New("serialization error")
	// ErrHTTP wraps outbound HTTP failures (proxy upstream, Ollama client).
	ErrHTTP = errors.New("http error")
	// ErrArchiver wraps archival export failures.
	ErrArchiver = errors.New("archiver error")
	// ErrProcessLookup is returned when OS process metadata for a PID
	// cannot be resolved.
	ErrProcessLookup = errors.New("process lookup error")
	// ErrOllama wraps upstream Ollama liveness/health failures.
	ErrOllama = errors.New("ollama error")
	// ErrServiceUnavailable is returned when the GPU backend cannot be
	// initialized in either variant.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrInvalidData wraps malformed input (bad CSV row, bad JSON chunk).
	ErrInvalidData = errors.New("invalid data")
)

func IsDriverInit(err error) bool          { return errors.Is(err, ErrDriverInit) }
func IsDriverQuery(err error) bool         { return errors.Is(err, ErrDriverQuery) }
func IsStore(err error) bool               { return errors.Is(err, ErrStore) }
func IsIO(err error) bool                  { return errors.Is(err, ErrIO) }
func IsConfig(err error) bool              { return errors.Is(err, ErrConfig) }
func IsSerialization(err error) bool       { return errors.Is(err, ErrSerialization) }
func IsHTTP(err error) bool                { return errors.Is(err, ErrHTTP) }
func IsArchiver(err error) bool            { return errors.Is(err, ErrArchiver) }
func IsProcessLookup(err error) bool       { return errors.Is(err, ErrProcessLookup) }
func IsOllama(err error) bool              { return errors.Is(err, ErrOllama) }
func IsServiceUnavailable(err error) bool  { return errors.Is(err, ErrServiceUnavailable) }
func IsInvalidData(err error) bool         { return errors.Is(err, ErrInvalidData) }
