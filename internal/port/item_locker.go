package port

import "context"

type ItemLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned func releases it
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
