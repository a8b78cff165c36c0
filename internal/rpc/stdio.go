package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/querymt/qmt/internal/apperr"
	"github.com/querymt/qmt/internal/domain"
)

// notification is a JSON-RPC 2.0 notification: a method call with no id
// and therefore no reply expected. session/update frames are sent this
// way over stdio, mirroring handleSSE's "message" event but without the
// SSE envelope.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// ServeStdio runs the JSON-RPC surface over newline-delimited JSON on
// stdin/stdout instead of HTTP, for the worker binary's supervised mode
// (spec.md §6: the supervisor talks to one worker process per peer over
// its stdio pipe rather than a socket). Every request read from stdin is
// dispatched through the same method table handleRPC uses; every
// session/update event since the call that started is written back as a
// notification, interleaved with responses on the same stream, so a
// caller reads both off of one io.Reader.
//
// ServeStdio blocks until ctx is cancelled or stdin reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var writeMu sync.Mutex
	enc := json.NewEncoder(stdout)
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(v)
	}

	unsubscribe := s.sink.Subscribe(func(ev domain.AgentEvent) {
		upd, ok := TranslateEvent(ev)
		if !ok {
			return
		}
		notif := notification{
			JSONRPC: "2.0",
			Method:  "session/update",
			Params:  sessionUpdateNotification{Method: "session/update", SessionID: ev.SessionID, Params: upd},
		}
		_ = write(notif)
	})
	defer unsubscribe()

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			s.handleStdioLine(ctx, line, write)
		}
	}
}

func (s *Server) handleStdioLine(ctx context.Context, line []byte, write func(any) error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = write(errorResponse(nil, apperr.New(apperr.KindSerialization, "invalid JSON-RPC request")))
		return
	}

	result, err := s.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		_ = write(errorResponse(req.ID, err))
		return
	}
	_ = write(successResponse(req.ID, result))
}
