//go:build !(linux && amd64)

package monitor

// DefaultInterceptor returns the pass-through interceptor; syscall tracing
// is only implemented for linux/amd64.
func DefaultInterceptor() Interceptor { return Passthrough{} }
