package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/apperrors"
	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
)

// Submitter writes a job durably and pushes it onto the transport. The two
// writes are treated as one unit: if the stream append fails after the DB
// insert, the job stays pending and the reclaimer republishes it, so
// submission is effectively at-least-once.
type Submitter struct {
	store     *store.Store
	transport *transport.Client
	log       *logrus.Entry
}

// NewSubmitter creates a submitter.
func NewSubmitter(s *store.Store, t *transport.Client) *Submitter {
	return &Submitter{
		store:     s,
		transport: t,
		log:       logrus.WithField("component", "submit"),
	}
}

// Submit queues one job. The client-supplied jobID is the idempotency key:
// a duplicate submission returns accepted=false without error and without a
// second stream entry.
func (s *Submitter) Submit(ctx context.Context, jobID, jobType, payload string) (accepted bool, err error) {
	if jobID == "" {
		return false, apperrors.Validation("job_id", "job_id is required")
	}
	if jobType == "" {
		return false, apperrors.Validation("type", "type is required")
	}
	if payload == "" {
		payload = "{}"
	}

	created, err := s.store.CreateJob(ctx, jobID, jobType, payload)
	if err != nil {
		return false, err
	}
	if !created {
		s.log.WithField("job", jobID).Debug("duplicate submission ignored")
		return false, nil
	}

	if err := s.transport.Publish(ctx, jobType, jobID, payload); err != nil {
		// Pending row without a stream entry: the reclaimer's republish
		// pass repairs this.
		s.log.WithError(err).WithField("job", jobID).Warn("stream publish failed, job awaits republish")
	}

	s.log.WithFields(logrus.Fields{"job": jobID, "type": jobType}).Info("job submitted")
	return true, nil
}
