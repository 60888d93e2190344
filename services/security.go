package services

import (
	"context"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/audit"
	"github.com/Yulian302/lfusys-services-uploads/logging"
)

// securityEvents turns rejected requests into audit events.
type securityEvents struct {
	recorder audit.Recorder
	logger   logging.Logger
}

// reject records err when it is a client rejection and returns it unchanged.
func (s securityEvents) reject(ctx context.Context, client, raw string, err error) error {
	if !apperror.IsRejection(err) {
		return err
	}

	kind := apperror.RuleOf(err)
	if kind == "" {
		kind = apperror.KindOf(err).String()
	}
	s.record(ctx, audit.Event{
		Client:  client,
		Kind:    kind,
		Detail:  audit.Detail(apperror.PublicMessage(err)+":", raw),
		Outcome: audit.OutcomeRejected,
	})
	return err
}

func (s securityEvents) warn(ctx context.Context, client, kind, detail string) {
	s.record(ctx, audit.Event{
		Client:  client,
		Kind:    kind,
		Detail:  detail,
		Outcome: audit.OutcomeWarning,
	})
}

func (s securityEvents) record(ctx context.Context, e audit.Event) {
	if err := s.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error("failed to record security event", "kind", e.Kind, "error", err)
	}
}
