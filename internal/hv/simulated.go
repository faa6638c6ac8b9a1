package hv

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Simulated is an in-process stand-in for the hypervisor. It hands out
// monotonically increasing "kernel object" identifiers for every create
// call and accepts every well-formed request; it exists so the rest of the
// tree (capability bookkeeping, object graph, process loading, dispatch)
// can be built and tested against a real Kernel implementation instead of a
// hand-mocked one per package.
//
// Requests are processed one at a time behind a single worker goroutine,
// mirroring the teacher's nsenter model where a single forked helper serves
// one request/response cycle at a time per event.
type Simulated struct {
	log *logrus.Logger

	mu      sync.Mutex
	nextSel uint64
	reqCh   chan simRequest
	closed  chan struct{}
}

type simRequest struct {
	req  Request
	resp chan Response
}

// NewSimulated starts a Simulated kernel's dispatch goroutine. Call Close to
// stop it.
func NewSimulated(log *logrus.Logger) *Simulated {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Simulated{
		log:     log,
		nextSel: 1, // 0 is reserved as the null capability selector
		reqCh:   make(chan simRequest),
		closed:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Simulated) run() {
	for {
		select {
		case sr := <-s.reqCh:
			sr.resp <- s.handle(sr.req)
		case <-s.closed:
			return
		}
	}
}

// Close stops the dispatch goroutine. Safe to call once.
func (s *Simulated) Close() {
	close(s.closed)
}

// Call implements Kernel.
func (s *Simulated) Call(ctx context.Context, req Request) (Response, error) {
	sr := simRequest{req: req, resp: make(chan Response, 1)}

	// Checked first: once closed, the worker may still be parked in its own
	// select, and a combined select below could hand it the request anyway.
	select {
	case <-s.closed:
		return Response{Status: Abort}, nil
	default:
	}

	select {
	case s.reqCh <- sr:
	case <-ctx.Done():
		return Response{Status: Timeout}, ctx.Err()
	case <-s.closed:
		return Response{Status: Abort}, nil
	}

	select {
	case resp := <-sr.resp:
		return resp, resp.Status.Err()
	case <-ctx.Done():
		return Response{Status: Timeout}, ctx.Err()
	}
}

func (s *Simulated) handle(req Request) Response {
	switch req.Op {
	case OpCreatePD, OpCreateEC, OpCreateSC, OpCreatePT, OpCreateSM:
		return Response{Status: Success, Value: s.allocSelector()}

	case OpRevoke:
		s.log.WithField("op", req.Op).Debug("hv: revoke is a no-op in the simulated kernel")
		return Response{Status: Success}

	case OpPDCtrl, OpECCtrl, OpSCCtrl, OpPTCtrl, OpSMCtrl:
		return Response{Status: Success}

	case OpAssignPCI, OpAssignGSI, OpMachineCtrl:
		return Response{Status: Success}

	default:
		return Response{Status: BadHypercall}
	}
}

func (s *Simulated) allocSelector() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.nextSel
	s.nextSel++
	return sel
}
