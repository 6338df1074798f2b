package creditv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "creditengine.v1.CreditService"

const (
	CreditService_GetBalance_FullMethodName        = "/" + ServiceName + "/GetBalance"
	CreditService_GetBalanceSummary_FullMethodName = "/" + ServiceName + "/GetBalanceSummary"
	CreditService_ApplyEntry_FullMethodName        = "/" + ServiceName + "/ApplyEntry"
	CreditService_Reserve_FullMethodName           = "/" + ServiceName + "/Reserve"
	CreditService_Finalize_FullMethodName          = "/" + ServiceName + "/Finalize"
	CreditService_Refund_FullMethodName            = "/" + ServiceName + "/Refund"
	CreditService_Spend_FullMethodName             = "/" + ServiceName + "/Spend"
	CreditService_GetReservation_FullMethodName    = "/" + ServiceName + "/GetReservation"
	CreditService_ListEntries_FullMethodName       = "/" + ServiceName + "/ListEntries"
	CreditService_RunChat_FullMethodName           = "/" + ServiceName + "/RunChat"
)

// CreditServiceClient is the client API for CreditService.
type CreditServiceClient interface {
	GetBalance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error)
	GetBalanceSummary(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceSummaryResponse, error)
	ApplyEntry(ctx context.Context, in *ApplyEntryRequest, opts ...grpc.CallOption) (*EntryResponse, error)
	Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReservationResponse, error)
	Finalize(ctx context.Context, in *FinalizeRequest, opts ...grpc.CallOption) (*FinalizeResponse, error)
	Refund(ctx context.Context, in *RefundRequest, opts ...grpc.CallOption) (*RefundResponse, error)
	Spend(ctx context.Context, in *SpendRequest, opts ...grpc.CallOption) (*EntryResponse, error)
	GetReservation(ctx context.Context, in *GetReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error)
	ListEntries(ctx context.Context, in *ListEntriesRequest, opts ...grpc.CallOption) (*ListEntriesResponse, error)
	RunChat(ctx context.Context, in *RunChatRequest, opts ...grpc.CallOption) (*RunChatResponse, error)
}

type creditServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCreditServiceClient(cc grpc.ClientConnInterface) CreditServiceClient {
	return &creditServiceClient{cc: cc}
}

func (client *creditServiceClient) invoke(ctx context.Context, method string, in any, out any, opts []grpc.CallOption) error {
	callOptions := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return client.cc.Invoke(ctx, method, in, out, callOptions...)
}

func (client *creditServiceClient) GetBalance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	if err := client.invoke(ctx, CreditService_GetBalance_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) GetBalanceSummary(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceSummaryResponse, error) {
	out := new(BalanceSummaryResponse)
	if err := client.invoke(ctx, CreditService_GetBalanceSummary_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) ApplyEntry(ctx context.Context, in *ApplyEntryRequest, opts ...grpc.CallOption) (*EntryResponse, error) {
	out := new(EntryResponse)
	if err := client.invoke(ctx, CreditService_ApplyEntry_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReservationResponse, error) {
	out := new(ReservationResponse)
	if err := client.invoke(ctx, CreditService_Reserve_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) Finalize(ctx context.Context, in *FinalizeRequest, opts ...grpc.CallOption) (*FinalizeResponse, error) {
	out := new(FinalizeResponse)
	if err := client.invoke(ctx, CreditService_Finalize_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) Refund(ctx context.Context, in *RefundRequest, opts ...grpc.CallOption) (*RefundResponse, error) {
	out := new(RefundResponse)
	if err := client.invoke(ctx, CreditService_Refund_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) Spend(ctx context.Context, in *SpendRequest, opts ...grpc.CallOption) (*EntryResponse, error) {
	out := new(EntryResponse)
	if err := client.invoke(ctx, CreditService_Spend_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) GetReservation(ctx context.Context, in *GetReservationRequest, opts ...grpc.CallOption) (*ReservationResponse, error) {
	out := new(ReservationResponse)
	if err := client.invoke(ctx, CreditService_GetReservation_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) ListEntries(ctx context.Context, in *ListEntriesRequest, opts ...grpc.CallOption) (*ListEntriesResponse, error) {
	out := new(ListEntriesResponse)
	if err := client.invoke(ctx, CreditService_ListEntries_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) RunChat(ctx context.Context, in *RunChatRequest, opts ...grpc.CallOption) (*RunChatResponse, error) {
	out := new(RunChatResponse)
	if err := client.invoke(ctx, CreditService_RunChat_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// CreditServiceServer is the server API for CreditService.
type CreditServiceServer interface {
	GetBalance(context.Context, *BalanceRequest) (*BalanceResponse, error)
	GetBalanceSummary(context.Context, *BalanceRequest) (*BalanceSummaryResponse, error)
	ApplyEntry(context.Context, *ApplyEntryRequest) (*EntryResponse, error)
	Reserve(context.Context, *ReserveRequest) (*ReservationResponse, error)
	Finalize(context.Context, *FinalizeRequest) (*FinalizeResponse, error)
	Refund(context.Context, *RefundRequest) (*RefundResponse, error)
	Spend(context.Context, *SpendRequest) (*EntryResponse, error)
	GetReservation(context.Context, *GetReservationRequest) (*ReservationResponse, error)
	ListEntries(context.Context, *ListEntriesRequest) (*ListEntriesResponse, error)
	RunChat(context.Context, *RunChatRequest) (*RunChatResponse, error)
}

// UnimplementedCreditServiceServer answers every method with codes.Unimplemented.
type UnimplementedCreditServiceServer struct{}

func (UnimplementedCreditServiceServer) GetBalance(context.Context, *BalanceRequest) (*BalanceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBalance not implemented")
}
func (UnimplementedCreditServiceServer) GetBalanceSummary(context.Context, *BalanceRequest) (*BalanceSummaryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBalanceSummary not implemented")
}
func (UnimplementedCreditServiceServer) ApplyEntry(context.Context, *ApplyEntryRequest) (*EntryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ApplyEntry not implemented")
}
func (UnimplementedCreditServiceServer) Reserve(context.Context, *ReserveRequest) (*ReservationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Reserve not implemented")
}
func (UnimplementedCreditServiceServer) Finalize(context.Context, *FinalizeRequest) (*FinalizeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Finalize not implemented")
}
func (UnimplementedCreditServiceServer) Refund(context.Context, *RefundRequest) (*RefundResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Refund not implemented")
}
func (UnimplementedCreditServiceServer) Spend(context.Context, *SpendRequest) (*EntryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Spend not implemented")
}
func (UnimplementedCreditServiceServer) GetReservation(context.Context, *GetReservationRequest) (*ReservationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetReservation not implemented")
}
func (UnimplementedCreditServiceServer) ListEntries(context.Context, *ListEntriesRequest) (*ListEntriesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListEntries not implemented")
}
func (UnimplementedCreditServiceServer) RunChat(context.Context, *RunChatRequest) (*RunChatResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RunChat not implemented")
}

func RegisterCreditServiceServer(registrar grpc.ServiceRegistrar, server CreditServiceServer) {
	registrar.RegisterService(&CreditService_ServiceDesc, server)
}

type unaryHandler = func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func newUnaryHandler[Request any, Response any](fullMethod string, call func(CreditServiceServer, context.Context, *Request) (*Response, error)) unaryHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(CreditServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(server.(CreditServiceServer), ctx, request.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// CreditService_ServiceDesc is the grpc.ServiceDesc for CreditService.
var CreditService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: newUnaryHandler(CreditService_GetBalance_FullMethodName, CreditServiceServer.GetBalance)},
		{MethodName: "GetBalanceSummary", Handler: newUnaryHandler(CreditService_GetBalanceSummary_FullMethodName, CreditServiceServer.GetBalanceSummary)},
		{MethodName: "ApplyEntry", Handler: newUnaryHandler(CreditService_ApplyEntry_FullMethodName, CreditServiceServer.ApplyEntry)},
		{MethodName: "Reserve", Handler: newUnaryHandler(CreditService_Reserve_FullMethodName, CreditServiceServer.Reserve)},
		{MethodName: "Finalize", Handler: newUnaryHandler(CreditService_Finalize_FullMethodName, CreditServiceServer.Finalize)},
		{MethodName: "Refund", Handler: newUnaryHandler(CreditService_Refund_FullMethodName, CreditServiceServer.Refund)},
		{MethodName: "Spend", Handler: newUnaryHandler(CreditService_Spend_FullMethodName, CreditServiceServer.Spend)},
		{MethodName: "GetReservation", Handler: newUnaryHandler(CreditService_GetReservation_FullMethodName, CreditServiceServer.GetReservation)},
		{MethodName: "ListEntries", Handler: newUnaryHandler(CreditService_ListEntries_FullMethodName, CreditServiceServer.ListEntries)},
		{MethodName: "RunChat", Handler: newUnaryHandler(CreditService_RunChat_FullMethodName, CreditServiceServer.RunChat)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/credit/v1/credit.go",
}
