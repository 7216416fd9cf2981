package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/domain/queue"
	"github.com/medcab/realtime/internal/domain/realtime"
	"github.com/medcab/realtime/internal/platform/notification"
	"github.com/medcab/realtime/internal/platform/websocket"
)

// sessionDeps are the process-wide components shared by every tab.
type sessionDeps struct {
	hub         *websocket.Hub
	multiplexer *realtime.Multiplexer
	repo        queue.Repository
	outbox      queue.Enqueuer
	clock       clock.Clock
	notify      notification.Options
	logger      zerolog.Logger
}

// clientSession is the server side of one tab: its throttle stage, its
// change subscriptions and its queue board.
type clientSession struct {
	deps     *sessionDeps
	ctx      context.Context
	client   *websocket.Client
	notifier *notification.Notifier
	binding  *realtime.Binding
	logger   zerolog.Logger

	mu          sync.Mutex
	board       *queue.Board
	cancelBoard context.CancelFunc
}

func (d *sessionDeps) newSession(ctx context.Context, client *websocket.Client) websocket.Session {
	logger := d.logger.With().Str("client_id", client.ID).Str("user_id", client.UserID.String()).Logger()
	notifier := notification.NewNotifier(notification.NewState(), client, d.clock, d.notify, logger)
	s := &clientSession{
		deps:     d,
		ctx:      ctx,
		client:   client,
		notifier: notifier,
		binding:  realtime.NewBinding(d.multiplexer, notifier),
		logger:   logger,
	}

	go notifier.Activate(ctx)
	s.bind(client.StructureID())
	return s
}

func (s *clientSession) HandleMessage(ctx context.Context, msg websocket.ClientMessage) {
	switch msg.Action {
	case websocket.ActionReorder:
		s.reorder(ctx, msg.SourceID, msg.TargetID)
	case websocket.ActionQueueSync:
		if b := s.currentBoard(); b != nil {
			go s.load(b)
		}
	default:
		s.logger.Debug().Str("action", msg.Action).Msg("ignoring unknown action")
	}
}

func (s *clientSession) SwitchStructure(_ context.Context, structureID uuid.UUID) {
	s.bind(structureID)
}

func (s *clientSession) Close() {
	s.binding.Close()
	s.mu.Lock()
	if s.cancelBoard != nil {
		s.cancelBoard()
	}
	s.board = nil
	s.mu.Unlock()
	s.notifier.Close()
}

// bind points the session at structureID. uuid.Nil leaves it idle.
func (s *clientSession) bind(structureID uuid.UUID) {
	scope := realtime.Scope{StructureID: structureID, UserID: s.client.UserID}
	if err := s.binding.Bind(s.ctx, scope); err != nil {
		s.logger.Error().Err(err).Str("structure_id", structureID.String()).Msg("subscribe to structure changes")
		_ = s.client.Push(websocket.FrameError, map[string]string{"message": "live updates unavailable"})
	}

	s.mu.Lock()
	if s.cancelBoard != nil {
		s.cancelBoard()
		s.cancelBoard = nil
	}
	s.board = nil
	if structureID == uuid.Nil {
		s.mu.Unlock()
		return
	}
	boardCtx, cancel := context.WithCancel(s.ctx)
	board := s.newBoard(boardCtx, structureID)
	s.board, s.cancelBoard = board, cancel
	s.mu.Unlock()

	go s.load(board)
}

func (s *clientSession) newBoard(ctx context.Context, structureID uuid.UUID) *queue.Board {
	var board *queue.Board
	board = queue.NewBoard(ctx, s.deps.repo, structureID, queue.BoardConfig{
		Toaster: s.client,
		Outbox:  s.deps.outbox,
		OnOrder: func(entries []queue.Entry) {
			if ctx.Err() != nil {
				return
			}
			_ = s.client.Push(websocket.FrameQueueOrder, queueOrderFrame{
				StructureID: structureID,
				Entries:     entries,
				Saving:      board.Saving(),
			})
		},
		OnPhase: func(p queue.Phase) {
			s.logger.Debug().Str("phase", p.String()).Msg("queue reorder")
		},
	}, s.logger)
	return board
}

func (s *clientSession) currentBoard() *queue.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board
}

func (s *clientSession) load(b *queue.Board) {
	if err := b.Load(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("load queue")
		_ = s.client.Push(websocket.FrameError, map[string]string{"message": "could not load the waiting room"})
	}
}

func (s *clientSession) reorder(ctx context.Context, rawSource, rawTarget string) {
	b := s.currentBoard()
	if b == nil {
		_ = s.client.Push(websocket.FrameError, map[string]string{"message": "no structure selected"})
		return
	}
	sourceID, err1 := uuid.Parse(rawSource)
	targetID, err2 := uuid.Parse(rawTarget)
	if err1 != nil || err2 != nil {
		_ = s.client.Push(websocket.FrameError, map[string]string{"message": "invalid queue entry"})
		return
	}

	go func() {
		out := b.Reorder(ctx, sourceID, targetID)
		if out.Phase == queue.PhaseConfirmed {
			s.deps.hub.BroadcastStructure(b.StructureID(), s.client, websocket.FrameQueueReordered, queueReorderedFrame{
				StructureID: b.StructureID(),
				IDs:         queue.IDs(out.Order),
			})
		}
	}()
}

type queueOrderFrame struct {
	StructureID uuid.UUID     `json:"structure_id"`
	Entries     []queue.Entry `json:"entries"`
	Saving      bool          `json:"saving"`
}

type queueReorderedFrame struct {
	StructureID uuid.UUID   `json:"structure_id"`
	IDs         []uuid.UUID `json:"ids"`
}

// hubPublisher announces orders saved through the REST endpoint to every tab
// of the structure.
type hubPublisher struct {
	hub *websocket.Hub
}

func (p hubPublisher) PublishOrder(structureID uuid.UUID, ids []uuid.UUID) {
	p.hub.BroadcastStructure(structureID, nil, websocket.FrameQueueReordered, queueReorderedFrame{
		StructureID: structureID,
		IDs:         ids,
	})
}
