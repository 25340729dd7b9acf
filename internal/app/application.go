package app

import (
	"context"
	"fmt"
	"time"

	escrowdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	tipdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
	escrowsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/escrow"
	healthsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/health"
	negotiationsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/negotiation"
	tippingsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/tipping"
	webhooksvc "github.com/AgentPay-Network/payment_layer/internal/app/services/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/memory"
	"github.com/AgentPay-Network/payment_layer/internal/app/system"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to a
// shared in-memory implementation.
type Stores struct {
	Escrows       storage.EscrowStore
	Quotes        storage.QuoteStore
	Subscriptions storage.SubscriptionStore
	Queue         storage.DeliveryQueue
	EventLog      storage.EventLog
	Tips          storage.TipStore
}

// Options adjust application construction.
type Options struct {
	Webhook       webhooksvc.Options
	SweepInterval time.Duration
	// RunSweeper registers the in-process timeout sweeper. Deployments that
	// drive ProcessTimeouts from an external scheduler leave it false.
	RunSweeper bool
}

// Application ties the engines together and manages their lifecycle. Engines
// are wired leaf-first: webhook, then escrow, then negotiation and tipping.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Webhook     *webhooksvc.Service
	Dispatcher  *webhooksvc.Worker
	Escrow      *escrowsvc.Service
	Negotiation *negotiationsvc.Service
	Tipping     *tippingsvc.Service
	Health      *healthsvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Escrows == nil {
		stores.Escrows = mem
	}
	if stores.Quotes == nil {
		stores.Quotes = mem
	}
	if stores.Subscriptions == nil {
		stores.Subscriptions = mem
	}
	if stores.Queue == nil {
		stores.Queue = mem
	}
	if stores.EventLog == nil {
		stores.EventLog = mem
	}
	if stores.Tips == nil {
		stores.Tips = mem
	}

	webhookService, err := webhooksvc.New(stores.Subscriptions, stores.Queue, stores.EventLog, opts.Webhook, log)
	if err != nil {
		return nil, fmt.Errorf("configure webhook engine: %w", err)
	}
	dispatcher := webhooksvc.NewWorker(webhookService, log)

	escrowService := escrowsvc.New(stores.Escrows, webhookService, log)
	negotiationService := negotiationsvc.New(stores.Quotes, escrowService, log)
	tippingService := tippingsvc.New(stores.Tips, webhookService, log)
	healthService := healthsvc.NewService()

	manager := system.NewManager()
	if err := manager.Register(dispatcher); err != nil {
		return nil, fmt.Errorf("register dispatcher: %w", err)
	}
	if opts.RunSweeper {
		sweeper := escrowsvc.NewSweeper(escrowService, opts.SweepInterval, log)
		if err := manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register sweeper: %w", err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Webhook:     webhookService,
		Dispatcher:  dispatcher,
		Escrow:      escrowService,
		Negotiation: negotiationService,
		Tipping:     tippingService,
		Health:      healthService,
	}, nil
}

// TipEscrowFactory returns the factory the tipping engine uses to construct
// the escrow carrying a tip. The tip escrow declares no release conditions, so
// a primary-native tip escrow locks as soon as it is funded; an erc20-stable
// tip escrow still requires both-party approval, because Create forces it for
// that token. The tipping state chain gates release.
func (a *Application) TipEscrowFactory() tippingsvc.EscrowFactory {
	return func(ctx context.Context, t tipdomain.Tip) (string, error) {
		created, err := a.Escrow.Create(ctx, escrowsvc.CreateRequest{
			Payer:   t.Tipper,
			Payee:   t.Recipient,
			Amount:  t.Amount,
			Purpose: fmt.Sprintf("tip to %s", t.Repo),
			Token:   escrowdomain.Token(t.Token),
		})
		if err != nil {
			return "", err
		}
		return created.ID, nil
	}
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
