package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const (
	StockLedgerServiceName = "stockledger.v1.StockLedger"
	ErrorKindTrailer       = "error-kind"
)

type PullRPCRequest struct {
	JobID    string `json:"job_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	Actor    string `json:"actor"`
}

type ReturnRPCRequest struct {
	AllocationID string `json:"allocation_id"`
	Quantity     int    `json:"quantity"`
	Actor        string `json:"actor"`
}

type AdjustRPCRequest struct {
	ItemID string `json:"item_id"`
	Delta  *int   `json:"delta,omitempty"`
	Target *int   `json:"target,omitempty"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type GetQuantityRPCRequest struct {
	ItemID string `json:"item_id"`
}

type GetQuantityRPCResponse struct {
	ItemID         string `json:"item_id"`
	QuantityOnHand int    `json:"quantity_on_hand"`
}

type ListTransactionsRPCRequest struct {
	ItemID string `json:"item_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListTransactionsRPCResponse struct {
	Transactions []domain.StockTransaction `json:"transactions"`
}

type StockLedgerServer interface {
	Pull(ctx context.Context, req *PullRPCRequest) (*AllocationResponse, error)
	Return(ctx context.Context, req *ReturnRPCRequest) (*AllocationResponse, error)
	Adjust(ctx context.Context, req *AdjustRPCRequest) (*domain.StockTransaction, error)
	GetQuantity(ctx context.Context, req *GetQuantityRPCRequest) (*GetQuantityRPCResponse, error)
	ListTransactions(ctx context.Context, req *ListTransactionsRPCRequest) (*ListTransactionsRPCResponse, error)
}

type GRPCHandler struct {
	ledger      *service.Ledger
	allocations *service.AllocationService
	audit       *service.AuditService
	logger      *zap.Logger
}

func NewGRPCHandler(ledger *service.Ledger, allocations *service.AllocationService, audit *service.AuditService, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{ledger: ledger, allocations: allocations, audit: audit, logger: logger}
}

func RegisterStockLedgerServer(s grpc.ServiceRegistrar, srv StockLedgerServer) {
	s.RegisterService(&stockLedgerServiceDesc, srv)
}

func (h *GRPCHandler) Pull(ctx context.Context, req *PullRPCRequest) (*AllocationResponse, error) {
	a, err := h.allocations.PullMaterial(ctx, service.PullRequest{
		JobID:    req.JobID,
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Actor:    req.Actor,
	})
	if err != nil {
		return nil, h.rpcError(ctx, err)
	}
	resp := toAllocationResponse(a)
	return &resp, nil
}

func (h *GRPCHandler) Return(ctx context.Context, req *ReturnRPCRequest) (*AllocationResponse, error) {
	a, err := h.allocations.ReturnMaterial(ctx, service.ReturnRequest{
		AllocationID: req.AllocationID,
		Quantity:     req.Quantity,
		Actor:        req.Actor,
	})
	if err != nil {
		return nil, h.rpcError(ctx, err)
	}
	resp := toAllocationResponse(a)
	return &resp, nil
}

func (h *GRPCHandler) Adjust(ctx context.Context, req *AdjustRPCRequest) (*domain.StockTransaction, error) {
	txn, err := h.allocations.AdjustStock(ctx, service.AdjustRequest{
		ItemID: req.ItemID,
		Delta:  req.Delta,
		Target: req.Target,
		Actor:  req.Actor,
		Reason: req.Reason,
	})
	if err != nil {
		return nil, h.rpcError(ctx, err)
	}
	return txn, nil
}

func (h *GRPCHandler) GetQuantity(ctx context.Context, req *GetQuantityRPCRequest) (*GetQuantityRPCResponse, error) {
	qty, err := h.ledger.GetQuantity(ctx, req.ItemID)
	if err != nil {
		return nil, h.rpcError(ctx, err)
	}
	return &GetQuantityRPCResponse{ItemID: req.ItemID, QuantityOnHand: qty}, nil
}

func (h *GRPCHandler) ListTransactions(ctx context.Context, req *ListTransactionsRPCRequest) (*ListTransactionsRPCResponse, error) {
	txns, err := h.audit.ListTransactions(ctx, domain.TransactionFilter{
		ItemID: req.ItemID,
		JobID:  req.JobID,
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, h.rpcError(ctx, err)
	}
	if txns == nil {
		txns = []domain.StockTransaction{}
	}
	return &ListTransactionsRPCResponse{Transactions: txns}, nil
}

func (h *GRPCHandler) rpcError(ctx context.Context, err error) error {
	err = publicError(err)
	kind := domain.KindOf(err)
	if setErr := grpc.SetTrailer(ctx, metadata.Pairs(ErrorKindTrailer, kind)); setErr != nil {
		h.logger.Warn("set error trailer", zap.Error(setErr))
	}
	if kind == "internal" {
		h.logger.Error("rpc failed", zap.Error(err))
	}
	return status.Error(grpcCodeFor(err), domain.SafeMessage(err))
}

func unaryHandler[Req any, Resp any](method string, call func(StockLedgerServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StockLedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + StockLedgerServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(StockLedgerServer), ctx, req.(*Req))
			})
		},
	}
}

var stockLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: StockLedgerServiceName,
	HandlerType: (*StockLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Pull", StockLedgerServer.Pull),
		unaryHandler("Return", StockLedgerServer.Return),
		unaryHandler("Adjust", StockLedgerServer.Adjust),
		unaryHandler("GetQuantity", StockLedgerServer.GetQuantity),
		unaryHandler("ListTransactions", StockLedgerServer.ListTransactions),
	},
	Streams: []grpc.StreamDesc{},
}

// StockLedgerClient calls the StockLedger service with the JSON codec.
type StockLedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewStockLedgerClient(cc grpc.ClientConnInterface) *StockLedgerClient {
	return &StockLedgerClient{cc: cc}
}

func (c *StockLedgerClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(JSONCodecName))
	return c.cc.Invoke(ctx, "/"+StockLedgerServiceName+"/"+method, in, out, opts...)
}

func (c *StockLedgerClient) Pull(ctx context.Context, in *PullRPCRequest, opts ...grpc.CallOption) (*AllocationResponse, error) {
	out := new(AllocationResponse)
	if err := c.invoke(ctx, "Pull", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) Return(ctx context.Context, in *ReturnRPCRequest, opts ...grpc.CallOption) (*AllocationResponse, error) {
	out := new(AllocationResponse)
	if err := c.invoke(ctx, "Return", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) Adjust(ctx context.Context, in *AdjustRPCRequest, opts ...grpc.CallOption) (*domain.StockTransaction, error) {
	out := new(domain.StockTransaction)
	if err := c.invoke(ctx, "Adjust", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) GetQuantity(ctx context.Context, in *GetQuantityRPCRequest, opts ...grpc.CallOption) (*GetQuantityRPCResponse, error) {
	out := new(GetQuantityRPCResponse)
	if err := c.invoke(ctx, "GetQuantity", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) ListTransactions(ctx context.Context, in *ListTransactionsRPCRequest, opts ...grpc.CallOption) (*ListTransactionsRPCResponse, error) {
	out := new(ListTransactionsRPCResponse)
	if err := c.invoke(ctx, "ListTransactions", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
