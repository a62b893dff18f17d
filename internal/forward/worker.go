package forward

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

// sender is the send-worker loop body shared by all workers of a Service.
// Workers pull from the queue, resolve the destination through the cache and
// deliver. Platform flood control re-enqueues the job after the mandated wait.
type sender struct {
	queue    *Queue
	resolver *Resolver
	limiter  *rate.Limiter // nil when outbound rate limiting is disabled
	log      logx.Logger
}

func (s *sender) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.queue.Jobs():
			s.process(ctx, job)
		}
	}
}

func (s *sender) process(ctx context.Context, job Job) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	err := s.deliver(ctx, job)
	if err == nil {
		return
	}

	if wait, ok := session.AsFloodWait(err); ok {
		// The platform told us to back off. Sleep past the window, then put
		// the job back; a full queue at that point means it is dropped like
		// any other overflow.
		s.log.Warn("flood wait, delaying job",
			logx.Int64("user", job.UserID), logx.Int64("target", job.Target), logx.Int("seconds", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(wait+1) * time.Second):
		}
		s.queue.TryEnqueue(job)
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.log.Error("send failed",
		logx.Int64("user", job.UserID), logx.Int64("target", job.Target), logx.Err(err))
}

func (s *sender) deliver(ctx context.Context, job Job) error {
	if job.Relay != nil {
		return job.Client.Forward(ctx, job.Target, *job.Relay)
	}
	to, err := s.resolver.Resolve(ctx, job.Client, job.UserID, job.Target)
	if err != nil {
		return err
	}
	return job.Client.SendText(ctx, to, job.Text)
}
