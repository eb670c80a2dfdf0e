package main

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownGrace = 10 * time.Second

// Killer coordinates process-wide shutdown. A panic in a task runner lands
// here: local panics are programming errors, so the whole process goes down
// gracefully rather than limping on with one dead component. The scheduler,
// driver and collector loops do not recover panics and do not call it.
type Killer struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	srv  *http.Server
	once sync.Once
}

// NewKiller wires the killer to the root context cancel.
func NewKiller(cancel context.CancelFunc) *Killer {
	return &Killer{cancel: cancel}
}

// AttachServer registers the HTTP listener to close before the runtime
// stops. Workers without an HTTP surface stop immediately.
func (k *Killer) AttachServer(srv *http.Server) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.srv = srv
}

// Kill stops the process: closes the listener, then cancels the root
// context. Idempotent.
func (k *Killer) Kill(graceful bool) {
	k.once.Do(func() {
		k.mu.Lock()
		srv := k.srv
		k.mu.Unlock()
		if srv != nil {
			if graceful {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				_ = srv.Shutdown(ctx)
			} else {
				_ = srv.Close()
			}
		}
		k.cancel()
	})
}

// OnPanic is installed into every task runner.
func (k *Killer) OnPanic(v any) {
	log.Error().Any("panic", v).Bytes("stack", debug.Stack()).Msg("panic in core component, shutting down")
	k.Kill(true)
}
