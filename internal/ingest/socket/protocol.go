package socket

import "fmt"

type Operation int32

const (
	OperationUnknown          Operation = 0
	OperationPublish          Operation = 1
	OperationPing             Operation = 2
	OperationHealth           Operation = 3
	OperationResolveEventType Operation = 4
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Publish   *PublishRequest `protobuf:"bytes,4,opt,name=publish,proto3"`
	Resolve   *EventTypeQuery `protobuf:"bytes,5,opt,name=resolve,proto3"`
	Ping      *PingRequest    `protobuf:"bytes,6,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string             `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32              `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string             `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Publish      *PublishResponse   `protobuf:"bytes,4,opt,name=publish,proto3"`
	Pong         *PongResponse      `protobuf:"bytes,5,opt,name=pong,proto3"`
	EventType    *EventTypeResponse `protobuf:"bytes,6,opt,name=event_type,json=eventType,proto3"`
	Health       *HealthResponse    `protobuf:"bytes,7,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

type PublishRequest struct {
	EventType string `protobuf:"bytes,1,opt,name=event_type,json=eventType,proto3"`
	Payload   []byte `protobuf:"bytes,2,opt,name=payload,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type PublishResponse struct {
	Accepted  bool   `protobuf:"varint,1,opt,name=accepted,proto3"`
	Topic     string `protobuf:"bytes,2,opt,name=topic,proto3"`
	Partition string `protobuf:"bytes,3,opt,name=partition,proto3"`
}

func (*PublishResponse) Reset()         {}
func (*PublishResponse) String() string { return "PublishResponse" }
func (*PublishResponse) ProtoMessage()  {}

type EventTypeQuery struct {
	Name string `protobuf:"bytes,1,opt,name=name,proto3"`
}

func (*EventTypeQuery) Reset()         {}
func (*EventTypeQuery) String() string { return "EventTypeQuery" }
func (*EventTypeQuery) ProtoMessage()  {}

type EventTypeResponse struct {
	Found          bool   `protobuf:"varint,1,opt,name=found,proto3"`
	Name           string `protobuf:"bytes,2,opt,name=name,proto3"`
	Topic          string `protobuf:"bytes,3,opt,name=topic,proto3"`
	CreatedAtUtcNs int64  `protobuf:"varint,4,opt,name=created_at_utc_ns,json=createdAtUtcNs,proto3"`
}

func (*EventTypeResponse) Reset()         {}
func (*EventTypeResponse) String() string { return "EventTypeResponse" }
func (*EventTypeResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationPublish:
		if req.Publish == nil || req.Publish.EventType == "" {
			return fmt.Errorf("publish.event_type is required")
		}
	case OperationResolveEventType:
		if req.Resolve == nil || req.Resolve.Name == "" {
			return fmt.Errorf("resolve.name is required")
		}
	}
	return nil
}
