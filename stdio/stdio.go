// Package stdio implements a minimal single-connection relay transport over
// newline-delimited JSON envelopes on an io.Reader / io.Writer pair
// (defaults: stdin/stdout). It is intended for embedding servers as
// subprocesses and for local development.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Principal        : OS user (implicit)
//	Sessions         : one ephemeral session per Serve call
//
// For multi-client, resumable deployments use the streamable HTTP
// transport.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relayrpc/relay/instrument"
	"github.com/relayrpc/relay/jsonrpc"
	"github.com/relayrpc/relay/sessions"
)

const maxLineBytes = 4 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithReader overrides the input stream (default os.Stdin).
func WithReader(r io.Reader) Option {
	return func(h *Handler) { h.in = r }
}

// WithWriter overrides the output stream (default os.Stdout).
func WithWriter(w io.Writer) Option {
	return func(h *Handler) { h.out = w }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithInstrumenter sets the instrumentation hook target.
func WithInstrumenter(in instrument.Instrumenter) Option {
	return func(h *Handler) { h.instr = in }
}

// WithSessionOptions appends options applied to the transport's session.
func WithSessionOptions(opts ...sessions.Option) Option {
	return func(h *Handler) { h.sessOpts = append(h.sessOpts, opts...) }
}

// Handler is a single-connection stdio transport. It delegates all protocol
// semantics to the sessions core; the handler only frames messages.
type Handler struct {
	registry *sessions.Registry
	in       io.Reader
	out      io.Writer
	log      *slog.Logger
	instr    instrument.Instrumenter
	sessOpts []sessions.Option

	writeMu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(registry *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		registry: registry,
		in:       os.Stdin,
		out:      os.Stdout,
		log:      slog.Default(),
		instr:    instrument.Noop{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// writeMessage frames one envelope as a single line.
func (h *Handler) writeMessage(msg *jsonrpc.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.out.Write(payload); err != nil {
		return err
	}
	_, err = h.out.Write([]byte("\n"))
	return err
}

// Serve runs the event loop until EOF on the reader or ctx ends. Each line
// carries one envelope; requests are handled concurrently so cancellation
// notifications can interrupt an in-flight request.
func (h *Handler) Serve(ctx context.Context) error {
	principal := osPrincipal()
	sink := sessions.MessageSinkFunc(func(_ context.Context, msg *jsonrpc.Message) error {
		return h.writeMessage(msg)
	})
	sess := sessions.New(ctx, "stdio-"+uuid.NewString(), h.registry, sink,
		append([]sessions.Option{
			sessions.WithLogger(h.log),
			sessions.WithInstrumenter(h.instr),
			sessions.WithUserID(principal),
		}, h.sessOpts...)...)
	defer sess.Close(nil)

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(h.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// A line is a single envelope or a batch array; batch members are
		// dispatched independently.
		members, err := jsonrpc.SplitBatch([]byte(line))
		if err != nil {
			if fatal, werr := h.writeDecodeError(err); fatal || werr != nil {
				return werr
			}
			continue
		}

		for _, member := range members {
			msg, err := jsonrpc.Decode(member)
			if err != nil {
				if fatal, werr := h.writeDecodeError(err); fatal || werr != nil {
					return werr
				}
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := sess.Handle(ctx, msg)
				if err != nil {
					h.log.Debug("stdio.handle.fail", slog.String("err", err.Error()))
					return
				}
				if resp == nil {
					return
				}
				if err := h.writeMessage(resp); err != nil {
					h.log.Debug("stdio.write.fail", slog.String("err", err.Error()))
				}
			}()
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

// writeDecodeError replies to an undecodable frame. Malformed JSON is fatal
// to the connection; a structurally invalid envelope only fails itself.
func (h *Handler) writeDecodeError(err error) (fatal bool, werr error) {
	code := jsonrpc.ErrorCodeInvalidRequest
	if errors.Is(err, jsonrpc.ErrParse) {
		code = jsonrpc.ErrorCodeParseError
		fatal = true
	}
	if werr := h.writeMessage(jsonrpc.NewErrorResponse(nil, code, err.Error(), nil)); werr != nil {
		return fatal, fmt.Errorf("write decode error: %w", werr)
	}
	return fatal, nil
}

func osPrincipal() string {
	if u, err := user.Current(); err == nil && u.Uid != "" {
		return "os:" + u.Uid
	}
	return fmt.Sprintf("os:%d", os.Getuid())
}
