// Package grpcserver exposes the dictpack control API handlers.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/dictpack/internal/convert"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/service"
	"github.com/and161185/dictpack/internal/worker"
)

// Runner serializes mutating calls with the rest of the update pipeline.
type Runner interface {
	Do(ctx context.Context, name string, job worker.Job) error
}

type inline struct{}

func (inline) Do(ctx context.Context, _ string, job worker.Job) error { return job(ctx) }

// Server wires the update service into gRPC handlers.
type Server struct {
	svc service.UpdateService
	run Runner
}

var _ ControlServer = (*Server)(nil)

// New constructs a gRPC server. A nil runner executes calls on the caller's goroutine.
func New(svc service.UpdateService, run Runner) *Server {
	if run == nil {
		run = inline{}
	}
	return &Server{svc: svc, run: run}
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrBadFormat):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, errs.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, errs.ErrUnavailable), errors.Is(err, worker.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Errorf(code, "%s: %v", op, err)
}

func (s *Server) do(ctx context.Context, op string, job worker.Job) error {
	name := op
	if who, ok := OperatorFromCtx(ctx); ok {
		name += " by " + who
	}
	return toStatus(op, s.run.Do(ctx, name, job))
}

// --- Updates ---

// TryUpdate requests the manifests of every auto-updating client.
func (s *Server) TryUpdate(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	var started bool
	err := s.do(ctx, "try update", func(ctx context.Context) error {
		var err error
		started, err = s.svc.TryUpdate(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(started), nil
}

// CancelUpdate drops the manifest download of a client.
func (s *Server) CancelUpdate(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty client id")
	}
	err := s.do(ctx, "cancel update", func(ctx context.Context) error {
		return s.svc.CancelUpdate(ctx, req.GetValue())
	})
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// --- Clients ---

// RegisterClient adds or updates a client.
func (s *Server) RegisterClient(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	c, err := convert.FromStructClient(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad client: %v", err)
	}
	if err := s.do(ctx, "register client", func(ctx context.Context) error {
		return s.svc.RegisterClient(ctx, c)
	}); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// DeleteClient forgets a client and everything it owns.
func (s *Server) DeleteClient(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty client id")
	}
	if err := s.do(ctx, "delete client", func(ctx context.Context) error {
		return s.svc.DeleteClient(ctx, req.GetValue())
	}); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// ListClients returns every registered client.
func (s *Server) ListClients(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	cs, err := s.svc.ListClients(ctx)
	if err != nil {
		return nil, toStatus("list clients", err)
	}
	out, err := convert.ToListClients(cs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list clients: %v", err)
	}
	return out, nil
}

// --- Word lists ---

// ListWordLists returns the word lists of a client.
func (s *Server) ListWordLists(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty client id")
	}
	ws, err := s.svc.ListWordLists(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus("list word lists", err)
	}
	out, err := convert.ToListWordLists(ws)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list word lists: %v", err)
	}
	return out, nil
}

type markFunc func(ctx context.Context, clientID, id string, version int) error

func (s *Server) markOps() map[string]markFunc {
	return map[string]markFunc{
		"used":     s.svc.MarkAsUsed,
		"unused":   s.svc.MarkAsUnused,
		"deleting": s.svc.MarkAsDeleting,
		"deleted":  s.svc.MarkAsDeleted,
		"broken":   s.svc.MarkAsBrokenOrRetrying,
	}
}

type wordListRef struct {
	clientID, id string
	version      int
}

func wordListRefFrom(req *structpb.Struct) (wordListRef, error) {
	var (
		ref wordListRef
		err error
	)
	if ref.clientID, err = convert.Required(req, "client_id"); err != nil {
		return ref, err
	}
	if ref.id, err = convert.Required(req, "id"); err != nil {
		return ref, err
	}
	if ref.version, err = convert.Version(req); err != nil {
		return ref, err
	}
	return ref, nil
}

// MarkWordList applies a consumer decision (used, unused, deleting, deleted, broken) to a word list.
func (s *Server) MarkWordList(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ref, err := wordListRefFrom(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad word list: %v", err)
	}
	name, err := convert.Required(req, "op")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad op: %v", err)
	}
	op, ok := s.markOps()[name]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown op %q", name)
	}
	if err := s.do(ctx, "mark "+name, func(ctx context.Context) error {
		return op(ctx, ref.clientID, ref.id, ref.version)
	}); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// InstallIfNeverRequested auto-installs a main dictionary nobody chose about.
func (s *Server) InstallIfNeverRequested(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	clientID, err := convert.Required(req, "client_id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	id, err := convert.Required(req, "id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	var out service.InstallOutcome
	if err := s.do(ctx, "auto install", func(ctx context.Context) error {
		var err error
		out, err = s.svc.InstallIfNeverRequested(ctx, clientID, id)
		return err
	}); err != nil {
		return nil, err
	}
	resp, err := structpb.NewStruct(map[string]any{
		"started":  out.Started,
		"locale":   out.Locale,
		"announce": out.Announce,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "auto install: %v", err)
	}
	return resp, nil
}

// SetMeteredPolicy stores whether downloads may use metered networks.
func (s *Server) SetMeteredPolicy(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	p, err := model.ParseMeteredPolicy(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.do(ctx, "set metered policy", func(ctx context.Context) error {
		return s.svc.SetMeteredPolicy(ctx, p)
	}); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// AddPreInstalled records a word list a client ships with.
func (s *Server) AddPreInstalled(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	clientID, err := convert.Required(req, "client_id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	raw := req.GetFields()["word_list"].GetStructValue()
	if raw == nil {
		return nil, status.Error(codes.InvalidArgument, "missing word_list")
	}
	wl, err := convert.FromStructWordList(raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad word list: %v", err)
	}
	if wl.Locale == "" {
		return nil, status.Errorf(codes.InvalidArgument, "word list %s needs a locale", wl.ID)
	}
	if err := s.do(ctx, "add pre-installed", func(ctx context.Context) error {
		return s.svc.AddPreInstalled(ctx, clientID, wl)
	}); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// --- Consumer read path ---

// MaxWordListBytes caps the file OpenWordList returns in one message.
const MaxWordListBytes = 64 << 20

// WordListsForLocale returns the best word list per category for a locale.
func (s *Server) WordListsForLocale(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	clientID, err := convert.Required(req, "client_id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	locale, err := convert.String(req, "locale")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	ms, err := s.svc.WordListsForLocale(ctx, clientID, locale)
	if err != nil {
		return nil, toStatus("word lists for locale", err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ms))}
	for _, m := range ms {
		st, err := convert.ToStructWordList(m.WordList)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "word lists for locale: %v", err)
		}
		st.Fields["matchLevel"] = structpb.NewNumberValue(float64(m.Level))
		out.Values = append(out.Values, structpb.NewStructValue(st))
	}
	return out, nil
}

// OpenWordList returns the bytes of an installed word list; a deleting one is empty.
func (s *Server) OpenWordList(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	clientID, err := convert.Required(req, "client_id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	id, err := convert.Required(req, "id")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	rc, err := s.svc.OpenWordList(ctx, clientID, id)
	if err != nil {
		return nil, toStatus("open word list", err)
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, MaxWordListBytes+1))
	if err != nil {
		return nil, toStatus("open word list", fmt.Errorf("read %s: %w", id, err))
	}
	if len(b) > MaxWordListBytes {
		return nil, status.Errorf(codes.ResourceExhausted, "open word list: %s exceeds %d bytes", id, MaxWordListBytes)
	}
	return wrapperspb.Bytes(b), nil
}
