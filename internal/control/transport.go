package control

import (
	"context"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// NewGRPCServer builds a grpc.Server with the control service registered
// and the gob codec forced for every call — there is no protobuf wire
// format backing these request/response structs to fall back to.
func NewGRPCServer(srv ControlServer) *grpc.Server {
	s := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	Register(s, srv)
	return s
}

// Listen opens the unix-domain socket the control surface is served
// over (spec §3.15: "over a unix socket"), removing any stale socket
// file left behind by a prior, uncleanly terminated run.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("control: removing stale socket %s: %w", socketPath, err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %s: %w", socketPath, err)
	}
	return lis, nil
}

// Dial connects to a control server over its unix-domain socket, for
// operator tooling and tests. The returned connection negotiates the
// same gob codec the server forces.
func Dial(ctx context.Context, socketPath string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, "unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
}
