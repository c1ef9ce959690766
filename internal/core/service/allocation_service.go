package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

type PullRequest struct {
	JobID    string `validate:"required"`
	ItemID   string `validate:"required"`
	Quantity int    `validate:"gt=0"`
	Actor    string `validate:"required"`
}

type ReturnRequest struct {
	AllocationID string `validate:"required"`
	Quantity     int    `validate:"gt=0"`
	Actor        string `validate:"required"`
}

// AdjustRequest carries exactly one of Delta or Target.
type AdjustRequest struct {
	ItemID string `validate:"required"`
	Delta  *int
	Target *int   `validate:"omitempty,gte=0"`
	Actor  string `validate:"required"`
	Reason string `validate:"required"`
}

type RestockRequest struct {
	ItemID    string `validate:"required"`
	Quantity  int    `validate:"gt=0"`
	Actor     string `validate:"required"`
	Note      string
	Reference string
}

type DamageRequest struct {
	ItemID   string `validate:"required"`
	Quantity int    `validate:"gt=0"`
	Actor    string `validate:"required"`
	Reason   string `validate:"required"`
}

type TransferRequest struct {
	FromItemID string `validate:"required"`
	ToItemID   string `validate:"required,nefield=FromItemID"`
	Quantity   int    `validate:"gt=0"`
	Actor      string `validate:"required"`
	Note       string
}

type CatalogItemRequest struct {
	ID           string `validate:"required,max=64"`
	PartNumber   string `validate:"required,max=64"`
	Description  string
	Category     string
	UnitCost     decimal.Decimal
	UnitPrice    decimal.Decimal
	ReorderPoint int `validate:"gte=0"`
	Location     string
}

type TransferResult struct {
	Out domain.StockTransaction
	In  domain.StockTransaction
}

// AllocationService pulls and returns material against jobs and performs the
// administrative stock movements. All quantity changes go through the Ledger.
type AllocationService struct {
	ledger   *Ledger
	store    port.LedgerStore
	validate *validator.Validate
	logger   *zap.Logger
}

func NewAllocationService(ledger *Ledger, store port.LedgerStore, logger *zap.Logger) *AllocationService {
	return &AllocationService{
		ledger:   ledger,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (s *AllocationService) PullMaterial(ctx context.Context, req PullRequest) (*domain.Allocation, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	ctx, span := s.ledger.tracer.Start(ctx, "allocation.pull", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("item.id", req.ItemID),
		attribute.Int("quantity", req.Quantity),
	))
	defer span.End()

	var allocation *domain.Allocation
	err := s.ledger.mutate(ctx, "pull", []string{req.ItemID}, func(ctx context.Context, u *unitOfWork) error {
		if err := ensureJobOpen(ctx, u.tx, req.JobID); err != nil {
			return err
		}
		item, err := u.item(ctx, req.ItemID)
		if err != nil {
			return err
		}

		allocationID := uuid.NewString()
		txn, err := u.append(ctx, Entry{
			ItemID:       req.ItemID,
			Type:         domain.TransactionPull,
			Delta:        -req.Quantity,
			Actor:        req.Actor,
			JobReference: &req.JobID,
			AllocationID: &allocationID,
		})
		if err != nil {
			return err
		}

		a := domain.Allocation{
			ID:                allocationID,
			JobID:             req.JobID,
			ItemID:            req.ItemID,
			QuantityAllocated: req.Quantity,
			UnitCostSnapshot:  item.UnitCost,
			Status:            domain.AllocationActive,
			PullTransactionID: txn.ID,
			CreatedAt:         txn.CreatedAt,
			UpdatedAt:         txn.CreatedAt,
		}
		if err := u.tx.InsertAllocation(ctx, a); err != nil {
			return err
		}
		allocation = &a
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("allocation.id", allocation.ID))
	return allocation, nil
}

func (s *AllocationService) ReturnMaterial(ctx context.Context, req ReturnRequest) (*domain.Allocation, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	ctx, span := s.ledger.tracer.Start(ctx, "allocation.return", trace.WithAttributes(
		attribute.String("allocation.id", req.AllocationID),
		attribute.Int("quantity", req.Quantity),
	))
	defer span.End()

	current, err := s.GetAllocation(ctx, req.AllocationID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var allocation *domain.Allocation
	err = s.ledger.mutate(ctx, "return", []string{current.ItemID}, func(ctx context.Context, u *unitOfWork) error {
		a, err := u.tx.Allocation(ctx, req.AllocationID)
		if err != nil {
			return err
		}
		if a == nil {
			return domain.NewError(domain.ErrAllocationNotFound, "allocation %s not found", req.AllocationID)
		}
		if err := ensureJobOpen(ctx, u.tx, a.JobID); err != nil {
			return err
		}
		if err := a.ApplyReturn(req.Quantity, s.ledger.now()); err != nil {
			return err
		}

		if _, err := u.append(ctx, Entry{
			ItemID:       a.ItemID,
			Type:         domain.TransactionReturn,
			Delta:        req.Quantity,
			Actor:        req.Actor,
			JobReference: &a.JobID,
			AllocationID: &a.ID,
		}); err != nil {
			return err
		}
		if err := u.tx.UpdateAllocation(ctx, *a); err != nil {
			return err
		}
		allocation = a
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return allocation, nil
}

func (s *AllocationService) AdjustStock(ctx context.Context, req AdjustRequest) (*domain.StockTransaction, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if (req.Delta == nil) == (req.Target == nil) {
		return nil, domain.NewError(domain.ErrValidation, "exactly one of delta or target is required")
	}
	if req.Delta != nil && *req.Delta == 0 {
		return nil, domain.NewError(domain.ErrValidation, "delta must be non-zero, use target to confirm a count")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, domain.NewError(domain.ErrValidation, "reason is required")
	}

	var txn *domain.StockTransaction
	err := s.ledger.mutate(ctx, "adjust", []string{req.ItemID}, func(ctx context.Context, u *unitOfWork) error {
		item, err := u.item(ctx, req.ItemID)
		if err != nil {
			return err
		}
		var delta int
		if req.Delta != nil {
			delta = *req.Delta
		} else {
			delta = *req.Target - item.QuantityOnHand
		}
		txn, err = u.append(ctx, Entry{
			ItemID: req.ItemID,
			Type:   domain.TransactionAdjustment,
			Delta:  delta,
			Actor:  req.Actor,
			Note:   req.Reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *AllocationService) Restock(ctx context.Context, req RestockRequest) (*domain.StockTransaction, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	note := req.Note
	if req.Reference != "" {
		note = strings.TrimSpace(fmt.Sprintf("ref %s %s", req.Reference, req.Note))
	}
	return s.ledger.AppendTransaction(ctx, Entry{
		ItemID: req.ItemID,
		Type:   domain.TransactionRestock,
		Delta:  req.Quantity,
		Actor:  req.Actor,
		Note:   note,
	})
}

func (s *AllocationService) RecordDamage(ctx context.Context, req DamageRequest) (*domain.StockTransaction, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, domain.NewError(domain.ErrValidation, "reason is required")
	}
	return s.ledger.AppendTransaction(ctx, Entry{
		ItemID: req.ItemID,
		Type:   domain.TransactionDamage,
		Delta:  -req.Quantity,
		Actor:  req.Actor,
		Note:   req.Reason,
	})
}

// Transfer moves stock between two item records in one unit of work.
func (s *AllocationService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	var result TransferResult
	err := s.ledger.mutate(ctx, "transfer", []string{req.FromItemID, req.ToItemID}, func(ctx context.Context, u *unitOfWork) error {
		if _, err := u.item(ctx, req.ToItemID); err != nil {
			return err
		}
		out, err := u.append(ctx, Entry{
			ItemID: req.FromItemID,
			Type:   domain.TransactionTransfer,
			Delta:  -req.Quantity,
			Actor:  req.Actor,
			Note:   transferNote("to", req.ToItemID, req.Note),
		})
		if err != nil {
			return err
		}
		in, err := u.append(ctx, Entry{
			ItemID: req.ToItemID,
			Type:   domain.TransactionTransfer,
			Delta:  req.Quantity,
			Actor:  req.Actor,
			Note:   transferNote("from", req.FromItemID, req.Note),
		})
		if err != nil {
			return err
		}
		result = TransferResult{Out: *out, In: *in}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SetJobStatus records the state asserted by job management. Terminal states
// are final.
func (s *AllocationService) SetJobStatus(ctx context.Context, jobID string, status domain.JobStatus) (*domain.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, domain.NewError(domain.ErrValidation, "job id is required")
	}
	if !status.Valid() {
		return nil, domain.NewError(domain.ErrValidation, "unknown job status %q", status)
	}

	var job *domain.Job
	err := s.ledger.coord.Do(ctx, "set_job_status", func(ctx context.Context) error {
		var err error
		job, err = s.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
			if j.Status.IsTerminal() && j.Status != status {
				return domain.NewError(domain.ErrClosedJob, "job %s is %s and can no longer change", j.ID, j.Status)
			}
			j.Status = status
			j.UpdatedAt = s.ledger.now()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job status recorded", zap.String("job_id", jobID), zap.String("status", string(status)))
	return job, nil
}

func (s *AllocationService) SaveCatalogItem(ctx context.Context, req CatalogItemRequest) (*domain.Item, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if req.UnitCost.IsNegative() || req.UnitPrice.IsNegative() {
		return nil, domain.NewError(domain.ErrValidation, "unit cost and unit price must not be negative")
	}

	now := s.ledger.now()
	var item *domain.Item
	err := s.ledger.coord.Do(ctx, "save_catalog_item", func(ctx context.Context) error {
		var err error
		item, err = s.store.SaveCatalogItem(ctx, domain.Item{
			ID:           req.ID,
			PartNumber:   req.PartNumber,
			Description:  req.Description,
			Category:     req.Category,
			UnitCost:     req.UnitCost,
			UnitPrice:    req.UnitPrice,
			ReorderPoint: req.ReorderPoint,
			Location:     req.Location,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *AllocationService) GetAllocation(ctx context.Context, allocationID string) (*domain.Allocation, error) {
	var a *domain.Allocation
	err := s.ledger.coord.Do(ctx, "get_allocation", func(ctx context.Context) error {
		var err error
		a, err = s.store.GetAllocation(ctx, allocationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, domain.NewError(domain.ErrAllocationNotFound, "allocation %s not found", allocationID)
	}
	return a, nil
}

func (s *AllocationService) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return domain.NewError(domain.ErrValidation, "%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
	}
	return domain.NewError(domain.ErrValidation, "invalid request")
}

func ensureJobOpen(ctx context.Context, tx port.LedgerTx, jobID string) error {
	job, err := tx.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job != nil && job.Status.IsTerminal() {
		return domain.NewError(domain.ErrClosedJob, "job %s is %s", jobID, job.Status)
	}
	return nil
}

func transferNote(direction, itemID, note string) string {
	return strings.TrimSpace(fmt.Sprintf("transfer %s %s %s", direction, itemID, note))
}
