package plugin

import (
	"context"
	"time"

	"github.com/avauthz/groupd/internal/graph"
)

// ServiceInfo describes the host service to plugins at registration.
type ServiceInfo struct {
	// Name is the service name.
	Name string

	// Version is the build version string.
	Version string
}

// ErrorEvent describes a categorized error surfaced by the core,
// delivered to the LogError hook.
type ErrorEvent struct {
	// RequestID is the request correlation id, if the error arose while
	// serving a request.
	RequestID string `json:"requestId,omitempty"`

	// Method and Path identify the request, if any.
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	// Category is the error's taxonomy bucket.
	Category graph.Category `json:"category"`

	// Message is the error text.
	Message string `json:"message"`

	// Stack is the goroutine stack captured where the error surfaced.
	// Populated for internal errors only.
	Stack []byte `json:"-"`

	// Time is when the error surfaced.
	Time time.Time `json:"time"`
}

// Plugin is a lifecycle hook extension. Hooks are invoked
// asynchronously and their errors are logged, never propagated to the
// operation that triggered them.
type Plugin interface {
	// Name identifies the plugin in logs and metrics.
	Name() string

	// Configure is called once at registration, before any hook fires.
	// A configuration error rejects the whole registry.
	Configure(info ServiceInfo) error

	// UserCreated fires after a user is successfully created.
	UserCreated(ctx context.Context, user graph.User) error

	// LogError fires whenever the core returns a categorized error.
	LogError(ctx context.Context, event *ErrorEvent) error
}

// Base is a no-op Plugin implementation for embedding, so plugins only
// implement the hooks they care about.
type Base struct{}

// Name identifies the plugin.
func (Base) Name() string { return "base" }

// Configure is a no-op.
func (Base) Configure(ServiceInfo) error { return nil }

// UserCreated is a no-op.
func (Base) UserCreated(context.Context, graph.User) error { return nil }

// LogError is a no-op.
func (Base) LogError(context.Context, *ErrorEvent) error { return nil }

// Ensure Base satisfies the interface.
var _ Plugin = Base{}
