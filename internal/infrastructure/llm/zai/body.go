package zai

import (
	"io"
	"sync"
)

// releasingBody frees the provider's concurrency slot when the caller closes
// the stream. Close is idempotent.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
