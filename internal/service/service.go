package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/cache"
	"agrivetpos/backend/internal/config"
	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/notify"
	"agrivetpos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultBranchID         string
	UsageLimitPolicy        string
	ReservationTTL          time.Duration
	ReceiptCacheTTL         time.Duration
	CompensationMaxAttempts int
	CompensationBackoff     time.Duration
	Receipts                cache.ReceiptCache
	Locker                  cache.Locker
	Notifier                notify.Notifier
	Logger                  logrus.FieldLogger
	Clock                   func() time.Time
}

// Service is the checkout orchestrator. It owns the three ledgers it
// coordinates and exposes them for the HTTP and job entry points.
type Service struct {
	repo      store.Repository
	Sessions  *SessionManager
	Inventory *InventoryLedger
	Usage     *UsageTracker
	Jobs      *Jobs

	receipts   cache.ReceiptCache
	locker     cache.Locker
	notifier   notify.Notifier
	log        logrus.FieldLogger
	now        func() time.Time
	retry      retryPolicy
	policy     string
	receiptTTL time.Duration
	branchID   string
}

func New(repo store.Repository, opts Options) *Service {
	if opts.DefaultBranchID == "" {
		opts.DefaultBranchID = "main-branch"
	}
	if opts.UsageLimitPolicy != config.UsagePolicyDrop {
		opts.UsageLimitPolicy = config.UsagePolicyAbort
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 30 * time.Minute
	}
	if opts.ReceiptCacheTTL <= 0 {
		opts.ReceiptCacheTTL = time.Hour
	}
	if opts.CompensationMaxAttempts < 1 {
		opts.CompensationMaxAttempts = 5
	}
	if opts.CompensationBackoff <= 0 {
		opts.CompensationBackoff = 100 * time.Millisecond
	}
	if opts.Receipts == nil {
		opts.Receipts = cache.NoopReceiptCache{}
	}
	if opts.Locker == nil {
		opts.Locker = cache.NewLocalLocker()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = config.NewLogger("info")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	retry := retryPolicy{attempts: opts.CompensationMaxAttempts, backoff: opts.CompensationBackoff}
	s := &Service{
		repo:       repo,
		receipts:   opts.Receipts,
		locker:     opts.Locker,
		notifier:   opts.Notifier,
		log:        opts.Logger.WithField("module", "checkout"),
		now:        opts.Clock,
		retry:      retry,
		policy:     opts.UsageLimitPolicy,
		receiptTTL: opts.ReceiptCacheTTL,
		branchID:   opts.DefaultBranchID,
	}
	s.Sessions = &SessionManager{repo: repo, log: opts.Logger.WithField("module", "session"), now: opts.Clock, branchID: opts.DefaultBranchID}
	s.Inventory = &InventoryLedger{repo: repo, log: opts.Logger.WithField("module", "inventory"), now: opts.Clock, ttl: opts.ReservationTTL, retry: retry, branchID: opts.DefaultBranchID}
	s.Usage = &UsageTracker{repo: repo, log: opts.Logger.WithField("module", "usage"), now: opts.Clock, retry: retry}
	s.Jobs = &Jobs{inventory: s.Inventory, usage: s.Usage, log: opts.Logger.WithField("module", "jobs"), now: opts.Clock}
	return s
}

func (s *Service) DefaultBranchID() string {
	return s.branchID
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

var ErrForbidden = errors.New("insufficient role")

var validate = validator.New()

// validateStruct runs the struct tags and reports the first failing field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return invalid(fe.Namespace(), "failed "+fe.Tag())
	}
	return invalid("", err.Error())
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodGCash, domain.PaymentMethodBank:
		return true
	default:
		return false
	}
}
