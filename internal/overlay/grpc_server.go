// Package overlay streams live tracking telemetry over gRPC.
// This file implements the gRPC service methods and the hand-written
// service descriptor.
package overlay

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kestrel-vision/kestrel/internal/track"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kestrel.overlay.v1.Overlay"

const (
	streamTicksFullMethod     = "/kestrel.overlay.v1.Overlay/StreamTicks"
	getCapabilitiesFullMethod = "/kestrel.overlay.v1.Overlay/GetCapabilities"
)

// overlayService is the handler interface bound to the service
// descriptor. It mirrors what protoc-gen-go-grpc would generate for
// overlay.proto, with google.protobuf.Struct as the message type.
type overlayService interface {
	GetCapabilities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StreamTicks(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*overlayService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetCapabilities",
			Handler:    getCapabilitiesHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTicks",
			Handler:       streamTicksHandler,
			ServerStreams: true,
		},
	},
	Metadata: "internal/overlay/overlay.proto",
}

func getCapabilitiesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(overlayService).GetCapabilities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getCapabilitiesFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(overlayService).GetCapabilities(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamTicksHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(overlayService).StreamTicks(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RegisterService registers the overlay service with the server.
func RegisterService(grpcServer *grpc.Server, server *Server) {
	grpcServer.RegisterService(&serviceDesc, server)
}

// Ensure Server implements the service interface.
var _ overlayService = (*Server)(nil)

// Server implements the Overlay gRPC service.
type Server struct {
	publisher *Publisher
}

// NewServer creates a new gRPC server backed by the given publisher.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// StreamRequest is the decoded form of the Struct a client sends to
// open a tick stream.
type StreamRequest struct {
	CameraID        string
	IncludeBBox     bool
	IncludeCommands bool

	// Decimate streams every Nth tick. Zero and one both mean every
	// tick.
	Decimate int
}

// streamRequestFromProto decodes a request Struct, applying defaults
// for absent fields. A nil Struct yields the default request.
func streamRequestFromProto(s *structpb.Struct) *StreamRequest {
	req := &StreamRequest{
		IncludeBBox:     true,
		IncludeCommands: true,
		Decimate:        1,
	}
	if s == nil {
		return req
	}
	f := s.GetFields()
	if v, ok := f["camera_id"]; ok {
		req.CameraID = v.GetStringValue()
	}
	if v, ok := f["include_bbox"]; ok {
		req.IncludeBBox = v.GetBoolValue()
	}
	if v, ok := f["include_commands"]; ok {
		req.IncludeCommands = v.GetBoolValue()
	}
	if v, ok := f["decimate"]; ok {
		if n := int(v.GetNumberValue()); n > 1 {
			req.Decimate = n
		}
	}
	return req
}

// StreamTicks implements the streaming RPC. Each client gets its own
// queue from the publisher; ticks the viewer cannot keep up with are
// dropped for that client only.
func (s *Server) StreamTicks(rawReq *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	req := streamRequestFromProto(rawReq)
	ctx := stream.Context()

	clientID := uuid.New().String()
	client := s.publisher.addClient(clientID, req)
	if client == nil {
		return status.Errorf(codes.ResourceExhausted, "client limit reached (%d)", s.publisher.config.MaxClients)
	}
	defer s.publisher.removeClient(clientID)

	overlayLogf("StreamTicks started: client=%s camera=%s bbox=%v commands=%v decimate=%d",
		clientID, req.CameraID, req.IncludeBBox, req.IncludeCommands, req.Decimate)

	var seen uint64
	for {
		select {
		case <-ctx.Done():
			overlayLogf("StreamTicks cancelled: client=%s", clientID)
			return ctx.Err()
		case <-client.doneCh:
			return status.Error(codes.Unavailable, "publisher shutting down")
		case tick := <-client.tickCh:
			seen++
			if req.Decimate > 1 && seen%uint64(req.Decimate) != 0 {
				continue
			}
			msg, err := tickToProto(tick, req)
			if err != nil {
				return status.Errorf(codes.Internal, "encode tick: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				overlayLogf("StreamTicks send error: client=%s: %v", clientID, err)
				return err
			}
		}
	}
}

// GetCapabilities returns server capabilities.
func (s *Server) GetCapabilities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"camera_id":         s.publisher.config.CameraID,
		"supports_bbox":     true,
		"supports_commands": true,
		"supports_decimate": true,
		"phases": []interface{}{
			string(track.PhaseIdle),
			string(track.PhaseSearching),
			string(track.PhaseTracking),
			string(track.PhaseLost),
		},
	})
}

// tickToProto converts a metadata tick to its wire Struct. Field names
// match the tick's JSON names.
func tickToProto(tick *track.MetadataTick, req *StreamRequest) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"frame_index": tick.FrameIndex,
		"ts_unix_ms":  tick.TsUnixMs,
		"ts_mono_ms":  tick.TsMonoMs,
		"phase":       string(tick.Phase),
		"error_x":     tick.ErrorX,
		"error_y":     tick.ErrorY,
		"coverage":    tick.Coverage,
	}
	if req.IncludeBBox && tick.TargetBBox != nil {
		fields["target_bbox"] = map[string]interface{}{
			"x": tick.TargetBBox.X,
			"y": tick.TargetBBox.Y,
			"w": tick.TargetBBox.W,
			"h": tick.TargetBBox.H,
		}
	}
	if req.IncludeCommands {
		fields["commanded_pan"] = tick.CommandedPan
		fields["commanded_tilt"] = tick.CommandedTilt
		fields["commanded_zoom"] = tick.CommandedZoom
	}
	return structpb.NewStruct(fields)
}
