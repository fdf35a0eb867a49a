package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin/binding"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/pipeline"
)

// ReservationHeader carries the reservation ID of an admitted generation.
const ReservationHeader = "X-Reservation-Id"

// call is the per-request state threaded through the stages. Stages run on
// the request goroutine; the handler may outlive the request and only reads
// the resolved fields.
type call struct {
	http   *http.Request
	header http.Header
	params map[string]string
	userID string

	body        creditgate.GenerateRequest
	model       creditgate.ModelConfig
	cost        int64
	reservation creditgate.Reservation
	recorder    *creditgate.Recorder
}

func (s *Server) identify(_ context.Context, c *call) pipeline.Admission[reply] {
	userID, err := s.identity.Identify(c.http)
	if err != nil {
		s.logger.Debug("identify failed", "path", c.http.URL.Path, "error", err)
		rep := failure(err)
		return pipeline.Reject(&rep)
	}
	c.userID = userID
	return pipeline.Admit[reply](nil)
}

func (s *Server) parseGeneration(_ context.Context, c *call) pipeline.Admission[reply] {
	if err := binding.JSON.Bind(c.http, &c.body); err != nil {
		rep := failure(badRequest(err))
		return pipeline.Reject(&rep)
	}
	m, cost, err := s.service.Quote(c.body)
	if err != nil {
		rep := failure(err)
		return pipeline.Reject(&rep)
	}
	c.model, c.cost = m, cost
	return pipeline.Admit[reply](nil)
}

func (s *Server) reserve(ctx context.Context, c *call) pipeline.Admission[reply] {
	r, err := s.gate.Reserve(ctx, c.userID, c.model.TaskType)
	if err != nil {
		rep := failure(err)
		return pipeline.Reject(&rep)
	}
	c.reservation = r
	c.recorder = creditgate.NewRecorder()
	c.header.Set(ReservationHeader, r.ID)
	return pipeline.Admit[reply](s.commitLater(r.ID, c.recorder))
}

// commitLater schedules the finalization of a reservation once the request
// has ended. A timed-out request waits up to FinalizeGrace for the handler
// so the real outcome is recorded.
func (s *Server) commitLater(id string, rec *creditgate.Recorder) pipeline.Cleanup {
	return func(ctx context.Context, exit pipeline.Exit) error {
		s.tasks.Go(ctx, "commit", func(ctx context.Context) {
			finished := waitDone(exit, s.cfg.FinalizeGrace)
			o := outcomeOf(exit, rec, finished)
			if err := s.gate.Commit(ctx, id, o); err != nil {
				s.logger.Warn("commit reservation",
					"reservation_id", id,
					"reason", exit.Reason.String(),
					"error", err,
				)
			}
		})
		return nil
	}
}

// waitDone reports whether the handler has returned. Only a timed-out exit
// can leave it running, so other exits block until Done closes.
func waitDone(exit pipeline.Exit, grace time.Duration) bool {
	if exit.Reason != pipeline.TimedOut {
		<-exit.Done
		return true
	}
	select {
	case <-exit.Done:
		return true
	default:
	}
	if grace <= 0 {
		return false
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exit.Done:
		return true
	case <-timer.C:
		return false
	}
}

// outcomeOf picks the status written to the reservation. Only a handler
// that has returned can have recorded a final outcome.
func outcomeOf(exit pipeline.Exit, rec *creditgate.Recorder, finished bool) creditgate.Outcome {
	failed := creditgate.Outcome{Status: creditgate.ReservationFailed}
	if !finished || exit.Reason == pipeline.Rejected {
		if o, ok := rec.Outcome(); ok {
			failed.Model, failed.Tool = o.Model, o.Tool
		}
		return failed
	}
	if o, ok := rec.Outcome(); ok {
		return o
	}
	return failed
}
