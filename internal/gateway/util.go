package gateway

import (
	"time"

	"github.com/plantops/shopfloor/internal/errors"
)

func deadlineFromNow() time.Time {
	return time.Now().Add(writeWait)
}

// svcErrorDetails flattens a ServiceError into log fields, keeping the
// distinct internal code visible to operators.
func svcErrorDetails(err error) map[string]interface{} {
	se := errors.GetServiceError(err)
	if se == nil {
		return nil
	}
	fields := map[string]interface{}{"code": string(se.Code)}
	for k, v := range se.Details {
		fields[k] = v
	}
	return fields
}
