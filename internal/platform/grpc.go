// Copyright 2025 Joseph Cumines
//
// gRPC client and service registration for the platform helper

package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service implemented by the helper.
//
// Messages are protobuf well-known types so that the helper can be written
// in any language without sharing generated stubs.
const ServiceName = "desktopbridge.platform.v1.Platform"

// errorDomain is the ErrorInfo domain used for structured helper errors.
const errorDomain = "desktopbridge.platform"

// ErrorInfo reasons exchanged with the helper.
const (
	reasonPermissionMissing    = "PERMISSION_MISSING"
	reasonAttributeUnsupported = "ATTRIBUTE_UNSUPPORTED"
	reasonNodeGone             = "NODE_GONE"
)

const (
	methodReadPermissionState = "ReadPermissionState"
	methodCaptureScreen       = "CaptureScreen"
	methodRootNode            = "RootNode"
	methodEnumerateUIChildren = "EnumerateUIChildren"
	methodReadUIAttribute     = "ReadUIAttribute"
	methodPressElement        = "PressElement"
	methodSendKeyCombo        = "SendKeyCombo"
	methodPasteText           = "PasteText"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Client is a Platform backed by a gRPC connection to the helper.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

var _ Platform = (*Client)(nil)

// Dial creates a client for the helper at target (e.g.
// "unix:///path/to/helper.sock"). The connection is established lazily.
// Without explicit options the channel is plaintext, which is only
// appropriate for unix sockets.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, fmt.Errorf("platform helper address cannot be empty")
	}
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform client: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close is a no-op for clients
// created this way.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the underlying connection, if owned.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// ReadPermissionState implements Platform.
func (c *Client) ReadPermissionState(ctx context.Context) (PermissionState, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodReadPermissionState, new(emptypb.Empty), out); err != nil {
		return PermissionState{}, err
	}
	fields := out.GetFields()
	return PermissionState{
		Accessibility:   fields["accessibility"].GetBoolValue(),
		ScreenRecording: fields["screenRecording"].GetBoolValue(),
	}, nil
}

// CaptureScreen implements Platform.
func (c *Client) CaptureScreen(ctx context.Context) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, methodCaptureScreen, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// RootNode implements Platform.
func (c *Client) RootNode(ctx context.Context) (NodeID, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, methodRootNode, new(emptypb.Empty), out); err != nil {
		return "", err
	}
	return NodeID(out.GetValue()), nil
}

// EnumerateUIChildren implements Platform.
func (c *Client) EnumerateUIChildren(ctx context.Context, node NodeID) ([]NodeID, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, methodEnumerateUIChildren, wrapperspb.String(string(node)), out); err != nil {
		return nil, err
	}
	children := make([]NodeID, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		children = append(children, NodeID(v.GetStringValue()))
	}
	return children, nil
}

// ReadUIAttribute implements Platform.
func (c *Client) ReadUIAttribute(ctx context.Context, node NodeID, name string) (any, error) {
	in, err := structpb.NewStruct(map[string]any{
		"node": string(node),
		"name": name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode attribute request: %w", err)
	}
	out := new(structpb.Value)
	if err := c.invoke(ctx, methodReadUIAttribute, in, out); err != nil {
		return nil, err
	}
	return out.AsInterface(), nil
}

// PressElement implements Platform.
func (c *Client) PressElement(ctx context.Context, node NodeID) error {
	return c.invoke(ctx, methodPressElement, wrapperspb.String(string(node)), new(emptypb.Empty))
}

// SendKeyCombo implements Platform.
func (c *Client) SendKeyCombo(ctx context.Context, keys []string) error {
	values := make([]any, 0, len(keys))
	for _, k := range keys {
		values = append(values, k)
	}
	in, err := structpb.NewList(values)
	if err != nil {
		return fmt.Errorf("failed to encode key combo: %w", err)
	}
	return c.invoke(ctx, methodSendKeyCombo, in, new(emptypb.Empty))
}

// PasteText implements Platform.
func (c *Client) PasteText(ctx context.Context, text string) error {
	return c.invoke(ctx, methodPasteText, wrapperspb.String(text), new(emptypb.Empty))
}

// fromStatus maps a helper status onto the package's error vocabulary.
func fromStatus(err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}

	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok && ei.GetDomain() == errorDomain {
			info = ei
			break
		}
	}

	switch st.Code() {
	case codes.PermissionDenied:
		missing := []Permission{PermissionAccessibility}
		if info != nil && info.GetReason() == reasonPermissionMissing {
			if names := info.GetMetadata()["missing"]; names != "" {
				missing = missing[:0]
				for _, n := range strings.Split(names, ",") {
					missing = append(missing, Permission(n))
				}
			}
		}
		return &PermissionError{Missing: missing}
	case codes.NotFound:
		if info != nil && info.GetReason() == reasonAttributeUnsupported {
			return ErrAttributeUnsupported
		}
		return fmt.Errorf("%w: %s", ErrNodeGone, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("platform helper: %s: %s", st.Code(), st.Message())
	}
}

// toStatus is the inverse of fromStatus, used by the server adapter.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	if pe, ok := AsPermissionError(err); ok {
		names := make([]string, 0, len(pe.Missing))
		for _, p := range pe.Missing {
			names = append(names, string(p))
		}
		return withInfo(codes.PermissionDenied, err.Error(), reasonPermissionMissing,
			map[string]string{"missing": strings.Join(names, ",")})
	}
	switch {
	case errors.Is(err, ErrAttributeUnsupported):
		return withInfo(codes.NotFound, err.Error(), reasonAttributeUnsupported, nil)
	case errors.Is(err, ErrNodeGone):
		return withInfo(codes.NotFound, err.Error(), reasonNodeGone, nil)
	case errors.Is(err, ErrUnavailable):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

func withInfo(code codes.Code, msg, reason string, metadata map[string]string) error {
	st := grpcstatus.New(code, msg)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   errorDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// RegisterServer exposes p as the platform service on s. This is the
// helper-side half of the protocol; the bridge itself only uses Client.
func RegisterServer(s grpc.ServiceRegistrar, p Platform) {
	s.RegisterService(&serviceDesc, p)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Platform)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodReadPermissionState, func(ctx context.Context, p Platform, _ *emptypb.Empty) (proto.Message, error) {
			state, err := p.ReadPermissionState(ctx)
			if err != nil {
				return nil, err
			}
			return structpb.NewStruct(map[string]any{
				"accessibility":   state.Accessibility,
				"screenRecording": state.ScreenRecording,
			})
		}),
		unary(methodCaptureScreen, func(ctx context.Context, p Platform, _ *emptypb.Empty) (proto.Message, error) {
			png, err := p.CaptureScreen(ctx)
			if err != nil {
				return nil, err
			}
			return wrapperspb.Bytes(png), nil
		}),
		unary(methodRootNode, func(ctx context.Context, p Platform, _ *emptypb.Empty) (proto.Message, error) {
			root, err := p.RootNode(ctx)
			if err != nil {
				return nil, err
			}
			return wrapperspb.String(string(root)), nil
		}),
		unary(methodEnumerateUIChildren, func(ctx context.Context, p Platform, in *wrapperspb.StringValue) (proto.Message, error) {
			children, err := p.EnumerateUIChildren(ctx, NodeID(in.GetValue()))
			if err != nil {
				return nil, err
			}
			values := make([]*structpb.Value, 0, len(children))
			for _, c := range children {
				values = append(values, structpb.NewStringValue(string(c)))
			}
			return &structpb.ListValue{Values: values}, nil
		}),
		unary(methodReadUIAttribute, func(ctx context.Context, p Platform, in *structpb.Struct) (proto.Message, error) {
			fields := in.GetFields()
			v, err := p.ReadUIAttribute(ctx, NodeID(fields["node"].GetStringValue()), fields["name"].GetStringValue())
			if err != nil {
				return nil, err
			}
			if f, ok := AsFrame(v); ok {
				v = map[string]any{"x": f.X, "y": f.Y, "width": f.Width, "height": f.Height}
			}
			return structpb.NewValue(v)
		}),
		unary(methodPressElement, func(ctx context.Context, p Platform, in *wrapperspb.StringValue) (proto.Message, error) {
			return new(emptypb.Empty), p.PressElement(ctx, NodeID(in.GetValue()))
		}),
		unary(methodSendKeyCombo, func(ctx context.Context, p Platform, in *structpb.ListValue) (proto.Message, error) {
			keys := make([]string, 0, len(in.GetValues()))
			for _, v := range in.GetValues() {
				keys = append(keys, v.GetStringValue())
			}
			return new(emptypb.Empty), p.SendKeyCombo(ctx, keys)
		}),
		unary(methodPasteText, func(ctx context.Context, p Platform, in *wrapperspb.StringValue) (proto.Message, error) {
			return new(emptypb.Empty), p.PasteText(ctx, in.GetValue())
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "desktopbridge/platform/v1/platform.proto",
}

// unary builds a MethodDesc that decodes Req, calls fn, and maps errors to
// gRPC statuses.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](name string, fn func(context.Context, Platform, PReq) (proto.Message, error)) grpc.MethodDesc {
	call := func(ctx context.Context, p Platform, in PReq) (any, error) {
		out, err := fn(ctx, p, in)
		if err != nil {
			return nil, toStatus(err)
		}
		return out, nil
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			p := srv.(Platform)
			if interceptor == nil {
				return call(ctx, p, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(ctx, p, req.(PReq))
			})
		},
	}
}
