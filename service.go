package creditgate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Service runs metered generations: it checks the balance, calls providers
// with failover, then debits the ledger.
type Service struct {
	cfg       Config
	ledger    *Ledger
	providers []Provider
	policy    Policy
	meter     Meter
	health    *HealthTracker
	logger    *slog.Logger
}

// NewService creates a Service. The in-order policy and a fresh
// HealthTracker are used unless overridden via options.
func NewService(cfg Config, ledger *Ledger, providers []Provider, opts ...Option) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("creditgate: ledger is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("creditgate: at least one provider is required")
	}

	o := buildOptions(opts)
	s := &Service{
		cfg:       cfg,
		ledger:    ledger,
		providers: providers,
		policy:    o.policy,
		meter:     o.meter,
		health:    o.health,
		logger:    o.logger,
	}
	if s.policy == nil {
		s.policy = &inOrderPolicy{}
	}
	if s.health == nil {
		s.health = NewHealthTracker()
	}
	return s, nil
}

// Quote resolves the model of req and the credit it will cost.
func (s *Service) Quote(req GenerateRequest) (ModelConfig, int64, error) {
	m, ok := s.cfg.Model(req.Model)
	if !ok {
		return ModelConfig{}, 0, fmt.Errorf("%w: %q", ErrModelNotFound, req.Model)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return ModelConfig{}, 0, fmt.Errorf("%w: prompt is required", ErrInvalidParams)
	}
	cost, err := EstimateCost(m, req.Count)
	if err != nil {
		return ModelConfig{}, 0, err
	}
	return m, cost, nil
}

// Generate performs a generation for userID and charges it. The outcome is
// written to the Recorder carried by ctx, if any.
func (s *Service) Generate(ctx context.Context, userID string, req GenerateRequest) (GenerateResponse, error) {
	m, cost, err := s.Quote(req)
	if err != nil {
		return GenerateResponse{}, err
	}

	rec := RecorderFrom(ctx)
	failed := Outcome{Status: ReservationFailed, Model: StringPtr(m.Model), Tool: StringPtr(req.Tool)}
	rec.Record(failed)

	ok, err := s.ledger.CanConsume(ctx, userID, cost)
	if err != nil {
		return GenerateResponse{}, err
	}
	if !ok {
		return GenerateResponse{}, ErrInsufficientCredit
	}

	candidates := filterCandidates(buildCandidates(m, s.providers, s.health))
	if len(candidates) == 0 {
		return GenerateResponse{}, ErrNoCandidates
	}
	ordered := s.policy.Select(candidates)

	var lastErr error
	for attempt, c := range ordered {
		provReq := ProviderRequest{
			Model:    c.Model,
			TaskType: m.TaskType,
			Prompt:   req.Prompt,
			Count:    max(req.Count, 1),
			Tool:     req.Tool,
			Params:   req.Params,
		}

		start := time.Now()
		resp, err := c.Provider.Generate(ctx, provReq)
		duration := time.Since(start)

		if err != nil {
			s.health.RecordFailure(c.Provider.Name())
			s.meter.OnGenerate(GenerateEvent{
				Provider: c.Provider.Name(),
				Model:    c.Model,
				Attempt:  attempt + 1,
				Success:  false,
				Duration: duration,
				Error:    err,
			})

			if IsFatal(err) {
				return GenerateResponse{}, &GenerationError{
					Err:      err,
					Provider: c.Provider.Name(),
					Model:    c.Model,
					Attempts: attempt + 1,
				}
			}

			lastErr = err
			continue
		}

		s.health.RecordSuccess(c.Provider.Name())
		s.meter.OnGenerate(GenerateEvent{
			Provider: c.Provider.Name(),
			Model:    c.Model,
			Attempt:  attempt + 1,
			Success:  true,
			Duration: duration,
		})

		if _, err := s.ledger.Consume(ctx, userID, cost, m.TaskType.String()+":"+m.Model); err != nil {
			s.logger.Warn("debit after generation failed",
				"user_id", userID, "model", m.Model, "cost", cost, "error", err)
			return GenerateResponse{}, err
		}
		rec.Record(Outcome{
			Status:         ReservationFinished,
			ConsumedCredit: Int64Ptr(cost),
			Model:          StringPtr(m.Model),
			Tool:           StringPtr(req.Tool),
		})

		return GenerateResponse{
			ID:      resp.ID,
			Model:   m.Model,
			Assets:  resp.Assets,
			Charged: cost,
			Routing: RoutingInfo{
				Provider: c.Provider.Name(),
				Model:    c.Model,
				Attempts: attempt + 1,
			},
		}, nil
	}

	return GenerateResponse{}, &GenerationError{
		Err:      fmt.Errorf("%w: %w", ErrAllFailed, lastErr),
		Model:    m.Model,
		Attempts: len(ordered),
	}
}
