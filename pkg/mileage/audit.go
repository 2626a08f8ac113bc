package mileage

import (
	"context"
	"errors"
	"fmt"
)

// AuditReport summarizes a batch consistency audit.
type AuditReport struct {
	Checked      int
	Inconsistent []*BalanceInconsistencyError
}

// Consistent reports whether no user failed the audit.
func (report AuditReport) Consistent() bool {
	return len(report.Inconsistent) == 0
}

// AuditAll checks every user listed by directory, pageSize ids at a time.
// Users deleted while the audit runs are skipped.
func (service *Service) AuditAll(ctx context.Context, directory UserDirectory, pageSize int) (AuditReport, error) {
	if directory == nil {
		return AuditReport{}, fmt.Errorf("%w: user directory is nil", ErrInvalidServiceConfig)
	}
	if pageSize <= 0 {
		return AuditReport{}, fmt.Errorf("%w: page size must be greater than zero", ErrInvalidLimit)
	}
	var (
		report      AuditReport
		afterUserID string
	)
	for {
		userIDs, err := directory.ListUserIDs(ctx, afterUserID, pageSize)
		if err != nil {
			return report, WrapError(errorOperationLedger, errorSubjectDirectory, errorCodeList, err)
		}
		for _, userID := range userIDs {
			audit, err := service.store.AuditBalance(ctx, userID)
			if errors.Is(err, ErrUserNotFound) {
				continue
			}
			if err != nil {
				return report, err
			}
			report.Checked++
			if audit.Consistent() {
				continue
			}
			inconsistency := &BalanceInconsistencyError{UserID: userID, Stored: audit.Stored, Expected: audit.Expected()}
			report.Inconsistent = append(report.Inconsistent, inconsistency)
			service.logOperation(ctx, OperationLog{
				Operation: operationAudit,
				UserID:    userID,
				Balance:   audit.Stored,
				Error:     inconsistency,
			})
		}
		if len(userIDs) < pageSize {
			return report, nil
		}
		afterUserID = userIDs[len(userIDs)-1].String()
	}
}
