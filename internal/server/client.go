package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client RunControl 的 gRPC 客戶端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 包裝既有連線
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial 建立未加密連線（控制埠只在本機或受信任網路使用）
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(addr, opts...)
}

// Send 依序送出文字指令（同一次呼叫內不會被其他客戶端插入）
func (c *Client) Send(ctx context.Context, commands ...string) error {
	list := make([]any, len(commands))
	for i, cmd := range commands {
		list[i] = cmd
	}
	req, err := structpb.NewStruct(map[string]any{"commands": list})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, "/"+ServiceName+"/Send", req, new(emptypb.Empty))
}

// Status 取得遠端狀態
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Status", new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
