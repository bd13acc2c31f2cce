package docbind

import (
	"github.com/gofrs/uuid"

	"github.com/docbind/docbind.go/pkg/logger"
	"github.com/docbind/docbind.go/pkg/store"
)

// Entity is the public, read-only shape returned for a matched document.
type Entity[T any] struct {
	ID   string
	Ref  store.DocumentRef
	Data T
}

type options struct {
	log           logger.Logger
	debug         bool
	ignoreInitial bool
}

func defaultOptions() options {
	return options{log: logger.Nop()}
}

// Option configures an observer.
type Option func(*options)

// WithLogger sets the logger used for lifecycle events. Defaults to a
// no-op logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDebug enables per-snapshot debug logging of lifecycle decisions.
func WithDebug() Option {
	return func(o *options) { o.debug = true }
}

// WithIgnoreInitialSnapshot suppresses the OnData callback for the first
// snapshot after each source change, so the callback only reports changes
// that happen while bound. Loading state and Ready are unaffected.
func WithIgnoreInitialSnapshot() Option {
	return func(o *options) { o.ignoreInitial = true }
}

// nextGen mints a fresh source identity marker. Markers are opaque and
// unique per source change, never derived from the locator path, so two
// path-equal but structurally different sources compare as distinct.
func nextGen() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}
