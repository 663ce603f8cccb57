package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/core/service"
	"github.com/rl1809/site-ledger/internal/observability"
	"github.com/rl1809/site-ledger/internal/platform/logger"
)

// The admin service has no protobuf schema; messages travel as JSON under
// the "json" content subtype.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ListEventsRequest struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type ListEventsResponse struct {
	Events []EventView `json:"events"`
}

type RequeueEventRequest struct {
	EventID string `json:"event_id"`
}

type GetWalletRequest struct {
	ProjectID string `json:"project_id"`
}

type GetBudgetLineRequest struct {
	LineID string `json:"line_id"`
}

type GetPositionRequest struct {
	ProjectID  string `json:"project_id"`
	ResourceID string `json:"resource_id"`
}

type GetCountersRequest struct{}

// CounterSource exposes process-wide use case counters.
type CounterSource interface {
	Snapshot() observability.Counters
}

// LedgerAdminServer is the operator surface: parked events and read-only
// aggregate snapshots.
type LedgerAdminServer interface {
	ListEvents(context.Context, *ListEventsRequest) (*ListEventsResponse, error)
	RequeueEvent(context.Context, *RequeueEventRequest) (*EventView, error)
	GetWallet(context.Context, *GetWalletRequest) (*WalletView, error)
	GetBudgetLine(context.Context, *GetBudgetLineRequest) (*BudgetLineView, error)
	GetPosition(context.Context, *GetPositionRequest) (*PositionView, error)
	GetCounters(context.Context, *GetCountersRequest) (*observability.Counters, error)
}

type GRPCHandler struct {
	ledger *service.LedgerService
	admin  *service.OutboxAdmin
	stats  CounterSource
}

var _ LedgerAdminServer = (*GRPCHandler)(nil)

// NewGRPCHandler builds the admin service. stats may be nil, in which case
// GetCounters reports Unavailable.
func NewGRPCHandler(ledger *service.LedgerService, admin *service.OutboxAdmin, stats CounterSource) *GRPCHandler {
	return &GRPCHandler{ledger: ledger, admin: admin, stats: stats}
}

func (h *GRPCHandler) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	st := domain.EventStatus(req.Status)
	if st == "" {
		st = domain.EventDead
	}
	events, err := h.admin.List(ctx, st, req.Limit)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := &ListEventsResponse{Events: make([]EventView, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, NewEventView(ev))
	}
	return resp, nil
}

func (h *GRPCHandler) RequeueEvent(ctx context.Context, req *RequeueEventRequest) (*EventView, error) {
	ev, err := h.admin.Requeue(ctx, req.EventID)
	if err != nil {
		return nil, grpcError(err)
	}
	v := NewEventView(ev)
	return &v, nil
}

func (h *GRPCHandler) GetWallet(ctx context.Context, req *GetWalletRequest) (*WalletView, error) {
	w, err := h.ledger.Wallet(ctx, req.ProjectID)
	if err != nil {
		return nil, grpcError(err)
	}
	v := walletView(w)
	return &v, nil
}

func (h *GRPCHandler) GetBudgetLine(ctx context.Context, req *GetBudgetLineRequest) (*BudgetLineView, error) {
	l, err := h.ledger.BudgetLine(ctx, req.LineID)
	if err != nil {
		return nil, grpcError(err)
	}
	v := budgetLineView(l)
	return &v, nil
}

func (h *GRPCHandler) GetPosition(ctx context.Context, req *GetPositionRequest) (*PositionView, error) {
	p, err := h.ledger.Position(ctx, req.ProjectID, req.ResourceID)
	if err != nil {
		return nil, grpcError(err)
	}
	v := positionView(p)
	return &v, nil
}

func (h *GRPCHandler) GetCounters(_ context.Context, _ *GetCountersRequest) (*observability.Counters, error) {
	if h.stats == nil {
		return nil, status.Error(codes.Unavailable, "counters are not collected")
	}
	c := h.stats.Snapshot()
	return &c, nil
}

func grpcError(err error) error {
	code := codes.Internal
	switch domain.KindOf(err) {
	case domain.KindValidation:
		code = codes.InvalidArgument
	case domain.KindAggregateNotFound:
		code = codes.NotFound
	case domain.KindForbidden:
		code = codes.PermissionDenied
	case domain.KindOptimisticConflict:
		code = codes.Aborted
	case domain.KindAlreadyApplied:
		code = codes.AlreadyExists
	case domain.KindInsufficientFunds, domain.KindEvidenceThresholdExceeded,
		domain.KindInsufficientQuantity, domain.KindBudgetExceeded:
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}

// UnaryLogging logs every admin call with its outcome.
func UnaryLogging(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.With("component", "grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			log.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start), "error", err)
		} else {
			log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}

// --- service descriptor ---

const adminServiceName = "ledger.v1.LedgerAdmin"

func RegisterLedgerAdminServer(s grpc.ServiceRegistrar, srv LedgerAdminServer) {
	s.RegisterService(&ledgerAdminServiceDesc, srv)
}

var ledgerAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*LedgerAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListEvents", Handler: unary(func(s LedgerAdminServer, ctx context.Context, in *ListEventsRequest) (any, error) {
			return s.ListEvents(ctx, in)
		})},
		{MethodName: "RequeueEvent", Handler: unary(func(s LedgerAdminServer, ctx context.Context, in *RequeueEventRequest) (any, error) {
			return s.RequeueEvent(ctx, in)
		})},
		{MethodName: "GetWallet", Handler: unary(func(s LedgerAdminServer, ctx context.Context, in *GetWalletRequest) (any, error) {
			return s.GetWallet(ctx, in)
		})},
		{MethodName: "GetBudgetLine", Handler: unary(func(s LedgerAdminServer, ctx context.Context, in *GetBudgetLineRequest) (any, error) {
			return s.GetBudgetLine(ctx, in)
		})},
		{MethodName: "GetPosition", Handler: unary(func(s LedgerAdminServer, ctx context.Context, in *GetPositionRequest) (any, error) {
			return s.GetPosition(ctx, in)
		})},
		{MethodName: "GetCounters", Handler: unary(func(s LedgerAdminServer, ctx context.Context, in *GetCountersRequest) (any, error) {
			return s.GetCounters(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/admin",
}

// unary adapts a typed method to grpc's untyped handler, running the
// server's interceptor chain when one is installed.
func unary[Req any](call func(LedgerAdminServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(LedgerAdminServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(ctx)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

func fullMethod(ctx context.Context) string {
	if m, ok := grpc.Method(ctx); ok {
		return m
	}
	return "/" + adminServiceName
}

// --- client ---

// LedgerAdminClient calls a remote LedgerAdmin service.
type LedgerAdminClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerAdminClient(cc grpc.ClientConnInterface) *LedgerAdminClient {
	return &LedgerAdminClient{cc: cc}
}

func (c *LedgerAdminClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+adminServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *LedgerAdminClient) ListEvents(ctx context.Context, in *ListEventsRequest) (*ListEventsResponse, error) {
	out := new(ListEventsResponse)
	if err := c.invoke(ctx, "ListEvents", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerAdminClient) RequeueEvent(ctx context.Context, in *RequeueEventRequest) (*EventView, error) {
	out := new(EventView)
	if err := c.invoke(ctx, "RequeueEvent", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerAdminClient) GetWallet(ctx context.Context, in *GetWalletRequest) (*WalletView, error) {
	out := new(WalletView)
	if err := c.invoke(ctx, "GetWallet", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerAdminClient) GetBudgetLine(ctx context.Context, in *GetBudgetLineRequest) (*BudgetLineView, error) {
	out := new(BudgetLineView)
	if err := c.invoke(ctx, "GetBudgetLine", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerAdminClient) GetCounters(ctx context.Context) (*observability.Counters, error) {
	out := new(observability.Counters)
	if err := c.invoke(ctx, "GetCounters", &GetCountersRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerAdminClient) GetPosition(ctx context.Context, in *GetPositionRequest) (*PositionView, error) {
	out := new(PositionView)
	if err := c.invoke(ctx, "GetPosition", in, out); err != nil {
		return nil, err
	}
	return out, nil
}
