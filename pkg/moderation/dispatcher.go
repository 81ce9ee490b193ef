// Copyright 2024-2026 Aiku AI

package moderation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/mattermost-antilink/pkg/chat"
	"github.com/aiku/mattermost-antilink/pkg/command"
)

// DefaultConcurrency bounds the number of messages handled at once.
const DefaultConcurrency = 64

type CommandHandler interface {
	Handle(ctx context.Context, msg chat.InboundMessage) command.Result
}

// Dispatcher feeds every inbound message once to the pipeline and once to
// the command router.
type Dispatcher struct {
	pipeline *Pipeline
	commands CommandHandler
	group    errgroup.Group
	log      zerolog.Logger
}

func NewDispatcher(pipeline *Pipeline, commands CommandHandler, concurrency int, log zerolog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	d := &Dispatcher{
		pipeline: pipeline,
		commands: commands,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
	d.group.SetLimit(concurrency)
	return d
}

// HandleMessage starts handling msg in the background. It blocks only while
// the concurrency limit is reached.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg chat.InboundMessage) {
	if !msg.Admissible() {
		return
	}
	d.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().
					Str("group_id", msg.GroupID).
					Str("message_id", msg.Ref.MessageID).
					Str("panic", fmt.Sprint(r)).
					Msg("Panic while handling message")
			}
		}()
		d.pipeline.Handle(ctx, msg)
		d.commands.Handle(ctx, msg)
		return nil
	})
}

// Wait blocks until every started handler has returned.
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}
