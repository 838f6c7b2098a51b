package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// writerActor owns the sink; its mailbox serializes writes.
type writerActor struct {
	sink   Sink
	logger *zap.Logger
}

func (a *writerActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *Entry:
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := a.sink.Write(wctx, *msg); err != nil {
			a.logger.Error("Failed to write audit entry",
				zap.String("action", msg.Action),
				zap.String("entity_id", msg.EntityID),
				zap.Error(err))
		}

	case *actor.Started:
		a.logger.Info("Audit writer started")

	case *actor.Stopped:
		a.logger.Info("Audit writer stopped")
	}
}

// Dispatcher hands entries to a single writer actor.
type Dispatcher struct {
	system *actor.ActorSystem
	pid    *actor.PID
}

func NewDispatcher(sink Sink, logger *zap.Logger) (*Dispatcher, error) {
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return &writerActor{sink: sink, logger: logger.Named("audit-writer")}
	})
	pid, err := system.Root.SpawnNamed(props, "audit-writer")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn audit writer: %w", err)
	}

	return &Dispatcher{system: system, pid: pid}, nil
}

func (d *Dispatcher) Record(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	d.system.Root.Send(d.pid, &entry)
}

// Stop drains the mailbox and stops the writer.
func (d *Dispatcher) Stop() error {
	return d.system.Root.PoisonFuture(d.pid).Wait()
}
