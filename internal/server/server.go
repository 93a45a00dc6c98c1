// ============================================================================
// evorun gRPC 控制服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 對外提供 RunControl：送出文字指令、查詢狀態
//
// 服務定義（手寫 ServiceDesc，訊息使用 protobuf well-known types）:
//
//   service evorun.v1.RunControl {
//     rpc Send(google.protobuf.Struct) returns (google.protobuf.Empty);
//     rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//   }
//
//   Send 請求: {"command": "seek 1/2/3"} 或 {"commands": ["seek-begin", "back", "seek-end"]}
//   一次請求中的所有指令會以單一 Send 呼叫送進 controller，保持順序且不會被其他請求插入。
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ChuLiYu/evorun/internal/controller"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = slog.Default()

// SetLogger 替換套件的 logger；須在啟動前呼叫
func SetLogger(l *slog.Logger) {
	log = l
}

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "evorun.v1.RunControl"

// Controller Server 需要的 controller 能力
type Controller interface {
	Send(actions ...controller.Action)
	Status() controller.Status
}

// RunControlServer gRPC 服務介面
type RunControlServer interface {
	Send(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Server 實作 RunControlServer
type Server struct {
	ctrl Controller
}

// NewServer creates a new gRPC server instance.
func NewServer(ctrl Controller) *Server {
	return &Server{ctrl: ctrl}
}

// Send 解析並送出指令
func (s *Server) Send(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	texts, err := commands(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	actions := make([]controller.Action, 0, len(texts))
	for _, text := range texts {
		a, err := controller.ParseAction(text)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		actions = append(actions, a)
	}

	log.Info("Remote commands", "commands", texts)
	s.ctrl.Send(actions...)
	return &emptypb.Empty{}, nil
}

func commands(req *structpb.Struct) ([]string, error) {
	fields := req.GetFields()
	if v, ok := fields["command"]; ok {
		text, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, errors.New("command must be a string")
		}
		return []string{text.StringValue}, nil
	}
	if v, ok := fields["commands"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, errors.New("commands must be a list of strings")
		}
		out := make([]string, 0, len(list.GetValues()))
		for i, item := range list.GetValues() {
			text, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("commands[%d] must be a string", i)
			}
			out = append(out, text.StringValue)
		}
		if len(out) == 0 {
			return nil, errors.New("commands is empty")
		}
		return out, nil
	}
	return nil, errors.New(`request needs "command" or "commands"`)
}

// Status 回傳 controller 最近發布的狀態
func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st := s.ctrl.Status()
	fields := map[string]any{
		"computation_id":   st.ComputationID,
		"loaded":           st.Loaded,
		"current":          st.Current.String(),
		"next":             st.Next.String(),
		"in_seek_sequence": st.InSeekSequence,
		"running":          st.Running(),
		"speed_limit":      st.SpeedLimit,
		"checkpoints":      st.Checkpoints,
		"steps":            float64(st.Steps),
		"failures":         float64(st.Failures),
		"run_seconds":      st.RunTime.Seconds(),
		"processing_secs":  st.ProcessingTime.Seconds(),
		"terminated":       st.Terminated,
	}
	if st.RunTarget != nil {
		fields["run_target"] = st.RunTarget.String()
	}
	if st.SeekTarget != nil {
		fields["seek_target"] = st.SeekTarget.String()
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ============================================================================
// ServiceDesc
// ============================================================================

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunControlServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Send"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunControlServer).Send(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Status"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunControlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc RunControl 的 gRPC 服務描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "evorun/v1/run_control.proto",
}

// Register 把服務掛到 gRPC server 上
func Register(g *grpc.Server, s RunControlServer) {
	g.RegisterService(&ServiceDesc, s)
}

// Serve 在 lis 上提供服務，直到 ctx 取消後優雅關閉
func Serve(ctx context.Context, lis net.Listener, s RunControlServer) error {
	g := grpc.NewServer()
	Register(g, s)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	log.Info("gRPC server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
