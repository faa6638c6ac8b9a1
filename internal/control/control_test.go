package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hedron-project/roottask/internal/domain"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/hedron-project/roottask/internal/procmgr"
	"github.com/stretchr/testify/require"
)

type fakePD struct{ id domain.ProcessID }

func (f *fakePD) ID() domain.ProcessID            { return f.id }
func (f *fakePD) CapSelector() uint64              { return uint64(f.id) }
func (f *fakePD) Parent() (domain.PDHandle, bool) { return nil, false }

func startTestServer(t *testing.T) (ControlServer, string) {
	t.Helper()
	fsvc := fs.New()
	procs := procmgr.New()
	procs.RegisterProcess(&fakePD{id: 1})
	procs.RegisterProcess(&fakePD{id: 2})

	fd, err := fsvc.Open(0, "/greeting", fs.OCREAT|fs.OWRONLY, 0o644)
	require.NoError(t, err)
	_, err = fsvc.Write(0, fd, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, fsvc.Close(0, fd))

	srv := New(fsvc, procs)

	socket := filepath.Join(t.TempDir(), "control.sock")
	lis, err := Listen(socket)
	require.NoError(t, err)

	gs := NewGRPCServer(srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return srv, socket
}

func TestControlServerEchoDirectly(t *testing.T) {
	srv, _ := startTestServer(t)
	resp, err := srv.Echo(context.Background(), &EchoRequest{Payload: []byte("ping")})
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), resp.Payload)
}

func TestControlServerStatDirectly(t *testing.T) {
	srv, _ := startTestServer(t)
	resp, err := srv.Stat(context.Background(), &StatRequest{Path: "/greeting"})
	require.NoError(t, err)
	require.Equal(t, int64(2), resp.Size)
}

func TestControlServerStatMissingPathErrors(t *testing.T) {
	srv, _ := startTestServer(t)
	_, err := srv.Stat(context.Background(), &StatRequest{Path: "/nope"})
	require.Error(t, err)
}

func TestControlServerListProcessesDirectly(t *testing.T) {
	srv, _ := startTestServer(t)
	resp, err := srv.ListProcesses(context.Background(), &ListProcessesRequest{})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, resp.Pids)
}

func TestControlOverGRPCSocket(t *testing.T) {
	_, socket := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, socket)
	require.NoError(t, err)
	defer conn.Close()

	var resp EchoResponse
	err = conn.Invoke(ctx, "/"+serviceName+"/Echo", &EchoRequest{Payload: []byte("pong")}, &resp)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), resp.Payload)
}
