package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "mileage.v1.MileageService"

	errorInsufficientMileage  = "insufficient_mileage"
	errorUserNotFound         = "user_not_found"
	errorBalanceInconsistency = "balance_inconsistency"
	errorBalanceConflict      = "balance_conflict"
	errorStoreUnavailable     = "store_unavailable"
	errorInvalidUserID        = "invalid_user_id"
	errorInvalidAmount        = "invalid_amount"
	errorInvalidRequired      = "invalid_required_mileage"
	errorInvalidDescription   = "invalid_description"
	errorInvalidResource      = "invalid_resource"
	errorInvalidListLimit     = "invalid_list_limit"
	errorInvalidArgument      = "invalid_argument"

	fieldUserID        = "user_id"
	fieldAmount        = "amount"
	fieldRequired      = "required"
	fieldDescription   = "description"
	fieldResourceID    = "resource_id"
	fieldResourceTitle = "resource_title"
	fieldLimit         = "limit"
	fieldCurrentValue  = "current"

	defaultListLimit = 50
	maxListLimit     = 200
)

// Ledger is the mileage service surface exposed over gRPC.
type Ledger interface {
	GetBalance(ctx context.Context, userID mileage.UserID) (mileage.Mileage, error)
	GetTransactions(ctx context.Context, userID mileage.UserID, limit int) ([]mileage.Transaction, error)
	HasSufficientMileage(ctx context.Context, userID mileage.UserID, required mileage.Mileage) (bool, error)
	AddMileage(ctx context.Context, userID mileage.UserID, amount mileage.PositiveMileage, description mileage.Description, resource *mileage.ResourceRef) error
	DeductMileage(ctx context.Context, userID mileage.UserID, amount mileage.PositiveMileage, description mileage.Description, resource *mileage.ResourceRef) error
	AuditBalance(ctx context.Context, userID mileage.UserID) (mileage.BalanceAudit, error)
}

// MileageServiceServer is implemented by MileageServer. Every message is a structpb.Struct.
type MileageServiceServer interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	HasSufficientMileage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	AddMileage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	DeductMileage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	AuditBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// MileageServer exposes the mileage ledger over gRPC.
type MileageServer struct {
	ledger Ledger
}

// NewMileageServer constructs a gRPC server for the mileage service.
func NewMileageServer(ledger Ledger) *MileageServer {
	return &MileageServer{ledger: ledger}
}

// Register attaches the service to a grpc.Server.
func Register(registrar grpc.ServiceRegistrar, server MileageServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func (server *MileageServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := mileage.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return balanceResponse(userID, balance)
}

func (server *MileageServer) GetTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := mileage.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, present, err := integerField(request, fieldLimit)
	if err != nil || (present && (limit <= 0 || limit > maxListLimit)) {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	if !present {
		limit = defaultListLimit
	}
	transactions, err := server.ledger.GetTransactions(ctx, userID, int(limit))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entries := make([]any, 0, len(transactions))
	for _, transaction := range transactions {
		entry := map[string]any{
			"id":          transaction.TransactionID().String(),
			"user_id":     transaction.UserID().String(),
			"type":        transaction.Type().String(),
			"amount":      float64(transaction.Amount().Int64()),
			"description": transaction.Description().String(),
			"created_at":  transaction.CreatedAt().UTC().Unix(),
		}
		if resource, ok := transaction.Resource(); ok {
			entry[fieldResourceID] = resource.ID()
			entry[fieldResourceTitle] = resource.Title()
		}
		entries = append(entries, entry)
	}
	return newStruct(map[string]any{"transactions": entries})
}

func (server *MileageServer) HasSufficientMileage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := mileage.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	required, _, err := integerField(request, fieldRequired)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidRequired)
	}
	sufficient, err := server.ledger.HasSufficientMileage(ctx, userID, mileage.Mileage(required))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{fieldUserID: userID.String(), "sufficient": sufficient})
}

func (server *MileageServer) AddMileage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.mutate(ctx, request, server.ledger.AddMileage)
}

func (server *MileageServer) DeductMileage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.mutate(ctx, request, server.ledger.DeductMileage)
}

type mutation func(ctx context.Context, userID mileage.UserID, amount mileage.PositiveMileage, description mileage.Description, resource *mileage.ResourceRef) error

func (server *MileageServer) mutate(ctx context.Context, request *structpb.Struct, apply mutation) (*structpb.Struct, error) {
	userID, err := mileage.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawAmount, _, err := integerField(request, fieldAmount)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	amount, err := mileage.NewPositiveMileage(rawAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description, err := mileage.NewDescription(stringField(request, fieldDescription))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var resource *mileage.ResourceRef
	if resourceID := stringField(request, fieldResourceID); resourceID != "" {
		reference, err := mileage.NewResourceRef(resourceID, stringField(request, fieldResourceTitle))
		if err != nil {
			return nil, mapToGRPCError(err)
		}
		resource = &reference
	}
	if err := apply(ctx, userID, amount, description, resource); err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return balanceResponse(userID, balance)
}

func (server *MileageServer) AuditBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := mileage.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	audit, err := server.ledger.AuditBalance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		fieldUserID:  userID.String(),
		"stored":     float64(audit.Stored.Int64()),
		"earned":     float64(audit.Earned.Int64()),
		"spent":      float64(audit.Spent.Int64()),
		"expected":   float64(audit.Expected().Int64()),
		"consistent": audit.Consistent(),
	})
}

func balanceResponse(userID mileage.UserID, balance mileage.Mileage) (*structpb.Struct, error) {
	return newStruct(map[string]any{fieldUserID: userID.String(), "balance": float64(balance.Int64())})
}

func newStruct(values map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// integerField reads a whole number. present is false when the field is absent.
func integerField(request *structpb.Struct, name string) (value int64, present bool, err error) {
	field, ok := request.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	number, ok := field.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, true, fmt.Errorf("%s is not a number", name)
	}
	raw := number.NumberValue
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw != math.Trunc(raw) || math.Abs(raw) > 1<<53 {
		return 0, true, fmt.Errorf("%s is not an integer", name)
	}
	return int64(raw), true, nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, mileage.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, mileage.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, mileage.ErrInvalidRequiredMileage):
		return status.Error(codes.InvalidArgument, errorInvalidRequired)
	case errors.Is(source, mileage.ErrInvalidDescription):
		return status.Error(codes.InvalidArgument, errorInvalidDescription)
	case errors.Is(source, mileage.ErrInvalidResourceRef):
		return status.Error(codes.InvalidArgument, errorInvalidResource)
	case errors.Is(source, mileage.ErrInvalidLimit):
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	case mileage.IsInvalidArgument(source):
		return status.Error(codes.InvalidArgument, errorInvalidArgument)
	case errors.Is(source, mileage.ErrUserNotFound):
		return status.Error(codes.NotFound, errorUserNotFound)
	case errors.Is(source, mileage.ErrInsufficientMileage):
		return insufficientMileageStatus(source)
	case errors.Is(source, mileage.ErrBalanceInconsistency):
		return status.Error(codes.DataLoss, errorBalanceInconsistency)
	case errors.Is(source, mileage.ErrBalanceConflict):
		return status.Error(codes.Aborted, errorBalanceConflict)
	case errors.Is(source, mileage.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, errorStoreUnavailable)
	default:
		return status.Error(codes.Internal, source.Error())
	}
}

// insufficientMileageStatus attaches the required amount and current balance as a structpb detail.
func insufficientMileageStatus(source error) error {
	failure := status.New(codes.FailedPrecondition, errorInsufficientMileage)
	var insufficient *mileage.InsufficientMileageError
	if !errors.As(source, &insufficient) {
		return failure.Err()
	}
	detail, err := structpb.NewStruct(map[string]any{
		fieldRequired:     float64(insufficient.Required.Int64()),
		fieldCurrentValue: float64(insufficient.Current.Int64()),
	})
	if err != nil {
		return failure.Err()
	}
	detailed, err := failure.WithDetails(detail)
	if err != nil {
		return failure.Err()
	}
	return detailed.Err()
}
