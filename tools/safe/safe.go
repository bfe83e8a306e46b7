package safe

import (
	"ChatGateway/logger"
)

// Go starts a goroutine that recovers from panics, so a misbehaving
// handler cannot take down the whole gateway process.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe] goroutine %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
