//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package ipc implements the administrative IPC surface (SPEC_FULL.md §6):
// a gRPC service, reachable over a Unix domain socket, that exposes the
// capability primitives table (create/transfer/derive/revoke/check, domain
// lifecycle, thread control, audit) to Privileged-tier processes. It sits
// beside the Core's own Call Gate rather than inside it: the call gate is
// the cross-domain syscall path used by every domain, while this is an
// out-of-band management plane, the same separation the teacher keeps
// between its FUSE request path and its CallbacksMap-driven grpc ipc
// service.
package ipc

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/hicore/hic/domain"
)

// CallbackFunc services one administrative RPC method against the decoded
// request, the same signature every per-primitive function below uses so
// adapt can wire it into a grpc.MethodDesc without repeating the
// srv-cast/decode boilerplate at each call site.
type CallbackFunc func(ctx context.Context, svc *ipcService, req interface{}) (interface{}, error)

// adapt turns a CallbackFunc plus a request-struct factory into the raw
// grpc.MethodDesc handler shape, the same decode-then-dispatch shape the
// teacher's grpc ipc service hand-rolls per RPC.
func adapt(newReq func() interface{}, fn CallbackFunc) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		s := srv.(*ipcService)
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		resp, err := fn(ctx, s, req)
		if err != nil {
			return nil, grpcstatus.Error(statusToCode(domain.AsStatus(err)), err.Error())
		}
		return resp, nil
	}
}

func statusToCode(st domain.Status) codes.Code {
	switch st {
	case domain.StatusSuccess:
		return codes.OK
	case domain.StatusNotFound, domain.StatusCapInvalid, domain.StatusInvalidDomain:
		return codes.NotFound
	case domain.StatusPermission, domain.StatusCapRevoked:
		return codes.PermissionDenied
	case domain.StatusQuotaExceeded:
		return codes.ResourceExhausted
	case domain.StatusInvalidParam, domain.StatusInvalidState:
		return codes.InvalidArgument
	case domain.StatusTimeout:
		return codes.DeadlineExceeded
	case domain.StatusAlreadyExists:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

// Ack is the empty-payload acknowledgement every mutating RPC with no
// richer response shape returns.
type Ack struct{}

// DomainRequest/DomainResponse wire shapes for domain lifecycle RPCs.
type DomainRequest struct {
	DomainID   uint32
	Type       uint32
	MaxMemory  uint64
	MaxThreads uint32
	MaxCaps    uint32
	CPUPercent uint32
	Flags      uint32
}

type DomainResponse struct {
	DomainID uint32
}

// MemAllocRequest/MemRegionResponse wire shapes for C2 sub-region carving.
type MemAllocRequest struct {
	ParentBase uint64
	ParentSize uint64
	Size       uint64
	Owner      uint32
}

type MemRegionResponse struct {
	Base uint64
	Size uint64
}

// CapRequest is the wire shape for capability-table RPCs.
type CapRequest struct {
	CapID     uint32
	Owner     uint32
	DomainID  uint32
	ParentID  uint32
	Type      uint32
	Rights    uint32
	SubRights uint32
	Granter   uint32
	Base      uint64
	Size      uint64
	Vector    uint32
	From      uint32
	To        uint32
}

// CapResponse is the wire shape for capability-table RPC replies.
type CapResponse struct {
	CapID uint32
	Found bool
}

// EndpointRequest is the wire shape for call-gate endpoint RPCs. Args/Result
// carry up to 4 u64 words each, mirroring the syscall ABI of spec.md §4.6.
type EndpointRequest struct {
	CapID      uint32
	Caller     uint32
	Args       []uint64
	DeadlineMS uint32
}

type EndpointResponse struct {
	Result []uint64
}

// ThreadRequest is the wire shape for scheduler RPCs.
type ThreadRequest struct {
	ThreadID   uint32
	Owner      uint32
	Priority   uint32
	Reason     string
	Resource   uint32
	DeadlineMS uint32
	Cause      uint32
}

type ThreadResponse struct {
	ThreadID uint32
}

// AuditAppendRequest is the wire shape for an administrative audit append,
// used by Privileged services to record events the Core itself didn't
// generate (e.g. a Monitor-detected anomaly).
type AuditAppendRequest struct {
	Kind    uint32
	Domain  uint32
	Cap     uint32
	Thread  uint32
	Data    [4]uint64
	Success bool
}

// serviceDesc is the hand-written analogue of a protoc-generated
// .pb.go ServiceDesc: each entry maps an RPC method name to the function
// that services it.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "hic.admin.CapabilityAdmin",
	HandlerType: (*ipcService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DomainCreate", Handler: adapt(func() interface{} { return &DomainRequest{} }, domainCreate)},
		{MethodName: "DomainDestroy", Handler: adapt(func() interface{} { return &DomainRequest{} }, domainDestroy)},
		{MethodName: "DomainMemoryAlloc", Handler: adapt(func() interface{} { return &MemAllocRequest{} }, domainMemoryAlloc)},
		{MethodName: "CapCreate", Handler: adapt(func() interface{} { return &CapRequest{} }, capCreate)},
		{MethodName: "CapTransfer", Handler: adapt(func() interface{} { return &CapRequest{} }, capTransfer)},
		{MethodName: "CapDerive", Handler: adapt(func() interface{} { return &CapRequest{} }, capDerive)},
		{MethodName: "CapRevoke", Handler: adapt(func() interface{} { return &CapRequest{} }, capRevoke)},
		{MethodName: "CapCheck", Handler: adapt(func() interface{} { return &CapRequest{} }, capCheck)},
		{MethodName: "CapLookup", Handler: adapt(func() interface{} { return &CapRequest{} }, capLookup)},
		{MethodName: "EndpointRegister", Handler: adapt(func() interface{} { return &EndpointRequest{} }, endpointRegister)},
		{MethodName: "EndpointInvoke", Handler: adapt(func() interface{} { return &EndpointRequest{} }, endpointInvoke)},
		{MethodName: "ThreadCreate", Handler: adapt(func() interface{} { return &ThreadRequest{} }, threadCreate)},
		{MethodName: "ThreadBlock", Handler: adapt(func() interface{} { return &ThreadRequest{} }, threadBlock)},
		{MethodName: "ThreadWakeup", Handler: adapt(func() interface{} { return &ThreadRequest{} }, threadWakeup)},
		{MethodName: "ThreadTerminate", Handler: adapt(func() interface{} { return &ThreadRequest{} }, threadTerminate)},
		{MethodName: "AuditAppend", Handler: adapt(func() interface{} { return &AuditAppendRequest{} }, auditAppend)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "AuditSubscribe", Handler: auditSubscribeHandler, ServerStreams: true},
	},
	Metadata: "hic/admin.proto",
}

type ipcService struct {
	caps    domain.CapabilityTableIface
	domains domain.DomainRegistryIface
	sched   domain.SchedulerIface
	gate    domain.CallGateIface
	audit   domain.AuditLogIface

	server *grpc.Server
}

// New builds the administrative IPC service.
func New() domain.IPCServiceIface {
	return &ipcService{}
}

func (s *ipcService) Setup(
	caps domain.CapabilityTableIface,
	domains domain.DomainRegistryIface,
	sched domain.SchedulerIface,
	gate domain.CallGateIface,
	audit domain.AuditLogIface) error {

	s.caps = caps
	s.domains = domains
	s.sched = sched
	s.gate = gate
	s.audit = audit

	return nil
}

// Serve listens on socketPath (removing any stale socket file first) and
// blocks serving RPCs until ctx is canceled or Stop is called.
func (s *ipcService) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrap(err, "ipc: listen")
	}

	s.server = grpc.NewServer(grpc.CustomCodec(jsonCodec{}))
	s.server.RegisterService(&serviceDesc, s)

	go func() {
		<-ctx.Done()
		s.server.GracefulStop()
	}()

	logrus.Infof("hic-core: administrative IPC listening on %s", socketPath)
	return s.server.Serve(lis)
}

func (s *ipcService) Stop() error {
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

func domainCreate(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*DomainRequest)
	quota := domain.Quota{MaxMemory: req.MaxMemory, MaxThreads: req.MaxThreads, MaxCaps: req.MaxCaps, CPUPercent: req.CPUPercent}
	id, err := s.domains.Create(domain.DomainType(req.Type), quota, domain.DomainFlags(req.Flags))
	if err != nil {
		return nil, err
	}
	return &DomainResponse{DomainID: uint32(id)}, nil
}

func domainDestroy(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*DomainRequest)
	if err := s.domains.Destroy(domain.DomainID(req.DomainID)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// domainMemoryAlloc reports NotImplemented: IPCServiceIface is wired with
// the Capability Table, Domain Registry, Scheduler, Call Gate and Audit
// Log only (spec.md §6), not the Resource Model, so sub-region carving
// isn't reachable from this plane. A domain that wants a narrower view of
// memory it already has derives a Memory capability with tighter payload
// bounds instead (cap_derive), which is reachable here.
func domainMemoryAlloc(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	return nil, grpcstatus.Error(codes.Unimplemented, "memory allocation is performed by the Resource Model at boot; use cap_derive to sub-delegate an existing region")
}

func capCreate(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*CapRequest)
	rights := rightsFromMask(req.Rights)
	payload := domain.CapPayload{Base: req.Base, Size: req.Size, Vector: req.Vector}
	id, err := s.caps.Create(domain.DomainID(req.Owner), domain.CapType(req.Type), rights, payload, domain.CapID(req.Granter))
	if err != nil {
		return nil, err
	}
	return &CapResponse{CapID: uint32(id), Found: true}, nil
}

func capTransfer(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*CapRequest)
	if err := s.caps.Transfer(domain.CapID(req.CapID), domain.DomainID(req.From), domain.DomainID(req.To)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func capDerive(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*CapRequest)
	id, err := s.caps.Derive(domain.CapID(req.ParentID), domain.DomainID(req.Owner), rightsFromMask(req.SubRights))
	if err != nil {
		return nil, err
	}
	return &CapResponse{CapID: uint32(id), Found: true}, nil
}

func capRevoke(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*CapRequest)
	if err := s.caps.Revoke(domain.CapID(req.CapID)); err != nil {
		return nil, err
	}
	return &CapResponse{CapID: req.CapID, Found: true}, nil
}

func capCheck(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*CapRequest)
	if err := s.caps.Check(domain.CapID(req.CapID), domain.DomainID(req.Owner), rightsFromMask(req.Rights)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func capLookup(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*CapRequest)
	entry, ok := s.caps.Lookup(domain.CapID(req.CapID))
	if !ok {
		return nil, errors.Wrap(domain.NewError(domain.StatusCapInvalid, "capability not found"), "CapLookup")
	}
	return &CapResponse{CapID: uint32(entry.ID), Found: true}, nil
}

func endpointRegister(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*EndpointRequest)
	// An administrative registration has no in-process function to bind, so
	// it installs an echo handler: it hands the caller's own argument words
	// back as the result. Real endpoint handlers are registered in-process
	// via CallGateIface.RegisterEndpoint directly by the owning service;
	// this RPC only exists so the admin surface can stand up a reachable
	// endpoint for capability-table testing and provisioning tools.
	err := s.gate.RegisterEndpoint(domain.CapID(req.CapID), func(ctx context.Context, caller domain.DomainID, args []uint64) ([]uint64, domain.Status) {
		return args, domain.StatusSuccess
	})
	if err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func endpointInvoke(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*EndpointRequest)

	callCtx := ctx
	var cancel context.CancelFunc
	if req.DeadlineMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	result, status := s.gate.Invoke(callCtx, domain.DomainID(req.Caller), domain.CapID(req.CapID), req.Args)
	if status != domain.StatusSuccess {
		return nil, errors.Wrap(domain.NewError(status, "endpoint invoke failed"), "EndpointInvoke")
	}
	return &EndpointResponse{Result: result}, nil
}

func threadCreate(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*ThreadRequest)
	id, err := s.sched.SpawnThread(domain.DomainID(req.Owner), domain.Priority(req.Priority))
	if err != nil {
		return nil, err
	}
	return &ThreadResponse{ThreadID: uint32(id)}, nil
}

func threadBlock(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*ThreadRequest)
	var deadline time.Time
	if req.DeadlineMS > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}
	wait := domain.WaitDescriptor{Reason: req.Reason, Resource: domain.CapID(req.Resource), Deadline: deadline}
	if err := s.sched.Block(domain.ThreadID(req.ThreadID), wait); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func threadWakeup(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*ThreadRequest)
	if err := s.sched.Wake(domain.ThreadID(req.ThreadID), domain.WakeCause(req.Cause)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func threadTerminate(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*ThreadRequest)
	if err := s.sched.Terminate(domain.ThreadID(req.ThreadID)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

func auditAppend(ctx context.Context, s *ipcService, reqv interface{}) (interface{}, error) {
	req := reqv.(*AuditAppendRequest)
	entry := domain.AuditEntry{
		Kind:    domain.EventKind(req.Kind),
		Domain:  domain.DomainID(req.Domain),
		Cap:     domain.CapID(req.Cap),
		Thread:  domain.ThreadID(req.Thread),
		Data:    req.Data,
		Success: req.Success,
	}
	if err := s.audit.Append(entry); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// auditSubscribeHandler streams newly appended SECURITY_VIOLATION and
// AUDIT_WRAP entries to the caller, polling the log's Snapshot and skipping
// entries whose sequence it has already seen, since there is no push
// notification inside AuditLogIface. Closes when the
// stream's context is canceled.
func auditSubscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	s := srv.(*ipcService)

	var lastSeq uint64
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			for _, entry := range s.audit.Snapshot() {
				if entry.Sequence <= lastSeq {
					continue
				}
				lastSeq = entry.Sequence
				if entry.Kind != domain.EventSecurityViolation && entry.Kind != domain.EventAuditWrap {
					continue
				}
				if err := stream.SendMsg(&entry); err != nil {
					return err
				}
			}
		}
	}
}

func rightsFromMask(mask uint32) domain.Rights {
	rights := domain.NewRights()
	for i := 0; i < domain.RightCount; i++ {
		if mask&(1<<uint(i)) != 0 {
			rights = rights.Set(domain.Right(i))
		}
	}
	return rights
}
