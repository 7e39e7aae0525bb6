package service

import (
	"context"

	"github.com/nethesis/matrix-appservice/models"
)

// EventKind distinguishes timeline events from ephemeral events in the
// preprocessor hook.
type EventKind int

const (
	KindRoomEvent EventKind = iota
	KindEphemeralEvent
)

func (k EventKind) String() string {
	if k == KindEphemeralEvent {
		return "ephemeral_event"
	}
	return "room_event"
}

// Preprocessor transforms events of its declared types before dispatch.
// Mutations are performed in place and are visible to later emissions.
type Preprocessor interface {
	EventTypes() []string
	ProcessEvent(ctx context.Context, evt *models.Event, client ClientAPI, kind EventKind) error
}

type registeredPreprocessor struct {
	proc  Preprocessor
	types map[string]struct{}
}

// preprocessorPipeline runs preprocessors in registration order. An error
// aborts the pipeline for that event and propagates to the dispatcher.
type preprocessorPipeline struct {
	procs []registeredPreprocessor
}

func (p *preprocessorPipeline) add(proc Preprocessor) {
	types := make(map[string]struct{}, len(proc.EventTypes()))
	for _, t := range proc.EventTypes() {
		types[t] = struct{}{}
	}
	p.procs = append(p.procs, registeredPreprocessor{proc: proc, types: types})
}

func (p *preprocessorPipeline) run(ctx context.Context, evt *models.Event, client ClientAPI, kind EventKind) error {
	for _, rp := range p.procs {
		if _, ok := rp.types[evt.Type]; !ok {
			continue
		}
		if err := rp.proc.ProcessEvent(ctx, evt, client, kind); err != nil {
			return err
		}
	}
	return nil
}
