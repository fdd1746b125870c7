// Package dbftv1 defines the gRPC service validators use to exchange
// consensus messages, transactions and blocks.
//
// 메시지는 일반 Go struct 이며 transport 패키지의 JSON 코덱("json" content-subtype)으로 직렬화된다.
package dbftv1

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/r3e-network/neo-dbft/types"
)

const ServiceName = "dbft.v1.DBFTService"

const (
	DeliverMethod         = "/" + ServiceName + "/Deliver"
	GetTransactionsMethod = "/" + ServiceName + "/GetTransactions"
	SubmitTxMethod        = "/" + ServiceName + "/SubmitTx"
	GetBlocksMethod       = "/" + ServiceName + "/GetBlocks"
	GetStatusMethod       = "/" + ServiceName + "/GetStatus"
)

// ================================================================================
//                          메시지 타입
// ================================================================================

// Envelope carries one encoded consensus message.
type Envelope struct {
	ID      string                 `json:"id"`
	From    uint8                  `json:"from"`
	Payload []byte                 `json:"payload"`
	SentAt  *timestamppb.Timestamp `json:"sent_at,omitempty"`
}

func (x *Envelope) String() string {
	return fmt.Sprintf("Envelope{ID:%s, From:%d, Size:%d}", x.ID, x.From, len(x.Payload))
}

type DeliverResponse struct {
	Accepted bool `json:"accepted"`
}

type GetTransactionsRequest struct {
	Hashes []types.Hash `json:"hashes"`
}

// GetTransactionsResponse holds the bodies the peer had, in request order.
// Unknown hashes are skipped.
type GetTransactionsResponse struct {
	Transactions [][]byte `json:"transactions"`
}

type SubmitTxRequest struct {
	Tx   []byte `json:"tx"`
	From string `json:"from,omitempty"`
}

type SubmitTxResponse struct {
	Hash types.Hash `json:"hash"`
}

type GetBlocksRequest struct {
	FromHeight uint32 `json:"from_height"`
	ToHeight   uint32 `json:"to_height"`
}

func (x *GetBlocksRequest) String() string {
	return fmt.Sprintf("GetBlocksRequest{From:%d, To:%d}", x.FromHeight, x.ToHeight)
}

type GetBlocksResponse struct {
	Blocks []*types.Block `json:"blocks"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Index     uint8  `json:"index"`
	Height    uint32 `json:"height"`
	View      uint8  `json:"view"`
	PeerCount int32  `json:"peer_count"`
}

// ================================================================================
//                          서버
// ================================================================================

// DBFTServiceServer is the server API for the dBFT service.
type DBFTServiceServer interface {
	Deliver(context.Context, *Envelope) (*DeliverResponse, error)
	GetTransactions(context.Context, *GetTransactionsRequest) (*GetTransactionsResponse, error)
	SubmitTx(context.Context, *SubmitTxRequest) (*SubmitTxResponse, error)
	GetBlocks(context.Context, *GetBlocksRequest) (*GetBlocksResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
}

// UnimplementedDBFTServiceServer can be embedded for forward compatibility.
type UnimplementedDBFTServiceServer struct{}

func (UnimplementedDBFTServiceServer) Deliver(context.Context, *Envelope) (*DeliverResponse, error) {
	return nil, fmt.Errorf("method Deliver not implemented")
}
func (UnimplementedDBFTServiceServer) GetTransactions(context.Context, *GetTransactionsRequest) (*GetTransactionsResponse, error) {
	return nil, fmt.Errorf("method GetTransactions not implemented")
}
func (UnimplementedDBFTServiceServer) SubmitTx(context.Context, *SubmitTxRequest) (*SubmitTxResponse, error) {
	return nil, fmt.Errorf("method SubmitTx not implemented")
}
func (UnimplementedDBFTServiceServer) GetBlocks(context.Context, *GetBlocksRequest) (*GetBlocksResponse, error) {
	return nil, fmt.Errorf("method GetBlocks not implemented")
}
func (UnimplementedDBFTServiceServer) GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error) {
	return nil, fmt.Errorf("method GetStatus not implemented")
}

// RegisterDBFTServiceServer registers srv on s.
func RegisterDBFTServiceServer(s grpc.ServiceRegistrar, srv DBFTServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc's handler signature.
func unaryHandler[Req any, Resp any](method string, call func(DBFTServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DBFTServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DBFTServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the dBFT service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DBFTServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    unaryHandler(DeliverMethod, DBFTServiceServer.Deliver),
		},
		{
			MethodName: "GetTransactions",
			Handler:    unaryHandler(GetTransactionsMethod, DBFTServiceServer.GetTransactions),
		},
		{
			MethodName: "SubmitTx",
			Handler:    unaryHandler(SubmitTxMethod, DBFTServiceServer.SubmitTx),
		},
		{
			MethodName: "GetBlocks",
			Handler:    unaryHandler(GetBlocksMethod, DBFTServiceServer.GetBlocks),
		},
		{
			MethodName: "GetStatus",
			Handler:    unaryHandler(GetStatusMethod, DBFTServiceServer.GetStatus),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dbft/v1/service.proto",
}

// ================================================================================
//                          클라이언트
// ================================================================================

// DBFTServiceClient is the client API for the dBFT service.
type DBFTServiceClient interface {
	Deliver(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*DeliverResponse, error)
	GetTransactions(ctx context.Context, in *GetTransactionsRequest, opts ...grpc.CallOption) (*GetTransactionsResponse, error)
	SubmitTx(ctx context.Context, in *SubmitTxRequest, opts ...grpc.CallOption) (*SubmitTxResponse, error)
	GetBlocks(ctx context.Context, in *GetBlocksRequest, opts ...grpc.CallOption) (*GetBlocksResponse, error)
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error)
}

type dbftServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDBFTServiceClient creates a client on cc.
func NewDBFTServiceClient(cc grpc.ClientConnInterface) DBFTServiceClient {
	return &dbftServiceClient{cc: cc}
}

func (c *dbftServiceClient) Deliver(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*DeliverResponse, error) {
	out := new(DeliverResponse)
	if err := c.cc.Invoke(ctx, DeliverMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dbftServiceClient) GetTransactions(ctx context.Context, in *GetTransactionsRequest, opts ...grpc.CallOption) (*GetTransactionsResponse, error) {
	out := new(GetTransactionsResponse)
	if err := c.cc.Invoke(ctx, GetTransactionsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dbftServiceClient) SubmitTx(ctx context.Context, in *SubmitTxRequest, opts ...grpc.CallOption) (*SubmitTxResponse, error) {
	out := new(SubmitTxResponse)
	if err := c.cc.Invoke(ctx, SubmitTxMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dbftServiceClient) GetBlocks(ctx context.Context, in *GetBlocksRequest, opts ...grpc.CallOption) (*GetBlocksResponse, error) {
	out := new(GetBlocksResponse)
	if err := c.cc.Invoke(ctx, GetBlocksMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dbftServiceClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	out := new(GetStatusResponse)
	if err := c.cc.Invoke(ctx, GetStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
