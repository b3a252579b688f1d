package dispatch

import (
	"errors"

	"brokerbot/internal/broker"
	"brokerbot/internal/domain"
	"brokerbot/internal/resolve"
	"brokerbot/internal/tool"
)

// failureFor maps the closed error taxonomy onto model-facing failure
// descriptors. Anything unrecognized is reported as a session failure
// rather than crashing the turn.
func failureFor(err error) (domain.FailureKind, string) {
	var (
		unknownTool *tool.UnknownToolError
		missing     *resolve.MissingArgumentError
		mismatch    *resolve.TypeMismatchError
		unexpected  *resolve.UnexpectedArgumentError
		validation  *resolve.ValidationError
		session     *broker.SessionError
		gateway     *broker.GatewayError
	)
	switch {
	case errors.As(err, &unknownTool):
		return domain.FailUnknownTool, unknownTool.Error()
	case errors.As(err, &missing):
		return domain.FailMissingArgument, missing.Error()
	case errors.As(err, &mismatch):
		return domain.FailTypeMismatch, mismatch.Error()
	case errors.As(err, &unexpected):
		return domain.FailUnexpectedArgument, unexpected.Error()
	case errors.As(err, &validation):
		return domain.FailValidation, validation.Error()
	case errors.As(err, &session):
		return domain.FailSession, session.Error()
	case errors.As(err, &gateway):
		return domain.FailSession, gateway.Error()
	default:
		return domain.FailSession, err.Error()
	}
}
