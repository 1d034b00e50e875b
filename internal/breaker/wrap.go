package breaker

import "context"

// Wrap returns a function with the same signature as fn that routes every
// call through b.Execute. Convenient at call sites that would otherwise
// inline the Execute closure repeatedly.
func Wrap(b *Breaker, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return b.Execute(ctx, fn)
	}
}
