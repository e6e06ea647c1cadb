package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/warp/registration-engine/engine"
)

// Handler consumes one decoded event.
type Handler func(ctx context.Context, e engine.Event) error

// NewRouter wires handlers (by event type) to the bus. Run the returned
// router with Run(ctx); it stops when ctx is cancelled.
func NewRouter(bus *Bus, handlers map[engine.EventType]Handler) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, bus.Logger())
	if err != nil {
		return nil, fmt.Errorf("could not create router: %w", err)
	}
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			Logger:          bus.Logger(),
		}.Middleware,
	)

	for t, h := range handlers {
		router.AddNoPublisherHandler(
			"on_"+string(t),
			Topic(t),
			bus.Subscriber(),
			func(msg *message.Message) error {
				e, err := Decode(msg)
				if err != nil {
					// Malformed payloads are dropped, never retried.
					bus.Logger().Error("dropping event", err, nil)
					return nil
				}
				return h(msg.Context(), e)
			},
		)
	}
	return router, nil
}
