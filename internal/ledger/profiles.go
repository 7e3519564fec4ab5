package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
	"github.com/atmx/paper-ledger/internal/store"
)

// NewProfile describes a profile to create.
type NewProfile struct {
	// ID is optional; a uuid is generated when empty.
	ID             string
	Name           string
	InitialBalance decimal.Decimal
	// Activate makes the new profile the active one. The first profile
	// ever created is activated regardless.
	Activate bool
	Settings model.ProfileSettings
}

// CreateProfile creates a profile with currentBalance = initialBalance.
func (s *Service) CreateProfile(ctx context.Context, req NewProfile) (*model.Profile, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("profile name is required: %w", model.ErrInvalidArgument)
	}
	if !req.InitialBalance.IsPositive() {
		return nil, fmt.Errorf("initial balance must be positive, got %s: %w", req.InitialBalance, model.ErrInvalidArgument)
	}
	if err := validateSettings(req.Settings); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = s.newID()
	}
	now := s.now()
	p := &model.Profile{
		ID:             id,
		Name:           name,
		InitialBalance: req.InitialBalance,
		CurrentBalance: req.InitialBalance,
		Epoch:          1,
		Settings:       req.Settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		if _, err := tx.GetProfile(ctx, id); err == nil {
			return fmt.Errorf("profile %s already exists: %w", id, model.ErrInvalidArgument)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		active, err := activeProfile(ctx, tx)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := tx.PutProfile(ctx, p); err != nil {
			return err
		}
		emit(profileEvent(model.EventProfileCreated, p))

		if active == nil || req.Activate {
			if err := s.activate(ctx, tx, p, emit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("profile created", "id", p.ID, "name", p.Name, "balance", p.InitialBalance.String(), "active", p.Active)
	return p, nil
}

// EnsureDefault creates the default profile if it is missing and activates
// it when no profile is active. Called once at start-up.
func (s *Service) EnsureDefault(ctx context.Context, name string, balance decimal.Decimal) (*model.Profile, error) {
	if strings.TrimSpace(name) == "" {
		name = "Default"
	}
	if !balance.IsPositive() {
		return nil, fmt.Errorf("default balance must be positive: %w", model.ErrInvalidArgument)
	}

	var out *model.Profile
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		p, err := tx.GetProfile(ctx, model.DefaultProfileID)
		if errors.Is(err, model.ErrNotFound) {
			now := s.now()
			p = &model.Profile{
				ID:             model.DefaultProfileID,
				Name:           name,
				InitialBalance: balance,
				CurrentBalance: balance,
				Epoch:          1,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.PutProfile(ctx, p); err != nil {
				return err
			}
			emit(profileEvent(model.EventProfileCreated, p))
		} else if err != nil {
			return err
		}

		if _, err := activeProfile(ctx, tx); errors.Is(err, model.ErrNotFound) {
			if err := s.activate(ctx, tx, p, emit); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProfile returns a profile by id.
func (s *Service) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return s.store.GetProfile(ctx, id)
}

// ListProfiles returns every profile, oldest first.
func (s *Service) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	return s.store.ListProfiles(ctx)
}

// GetActiveProfile returns the profile new orders default to.
func (s *Service) GetActiveProfile(ctx context.Context) (*model.Profile, error) {
	return activeProfile(ctx, s.store)
}

// SwitchActive makes profileID the active profile. Switching to the
// already-active profile is a no-op.
func (s *Service) SwitchActive(ctx context.Context, profileID string) (*model.Profile, error) {
	var out *model.Profile
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		p, err := tx.GetProfile(ctx, profileID)
		if err != nil {
			return err
		}
		out = p
		if p.Active {
			return nil
		}
		return s.activate(ctx, tx, p, emit)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("active profile switched", "id", out.ID)
	return out, nil
}

// AdjustBalance adds delta (which may be negative) to a profile's cash
// balance. The result may not go below zero.
func (s *Service) AdjustBalance(ctx context.Context, profileID string, delta decimal.Decimal) (*model.Profile, error) {
	var out *model.Profile
	err := s.mutate(ctx, func(tx store.Tx, _ func(model.Event)) error {
		p, err := tx.GetProfile(ctx, profileID)
		if err != nil {
			return err
		}
		if err := s.adjust(p, delta); err != nil {
			return err
		}
		out = p
		return tx.PutProfile(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResetProfile cancels the profile's open orders, archives the counters of
// the current epoch and starts a new one at newInitialBalance.
func (s *Service) ResetProfile(ctx context.Context, profileID string, newInitialBalance decimal.Decimal) (*model.Profile, error) {
	if !newInitialBalance.IsPositive() {
		return nil, fmt.Errorf("initial balance must be positive, got %s: %w", newInitialBalance, model.ErrInvalidArgument)
	}

	var out *model.Profile
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		p, err := tx.GetProfile(ctx, profileID)
		if err != nil {
			return err
		}
		if err := s.reset(ctx, tx, p, newInitialBalance, emit); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("profile reset", "id", out.ID, "epoch", out.Epoch, "balance", out.InitialBalance.String())
	return out, nil
}

// InitializePortfolio resets the profile called name to balance, creating
// it if no profile has that name, and makes it active.
func (s *Service) InitializePortfolio(ctx context.Context, name string, balance decimal.Decimal) (*model.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("profile name is required: %w", model.ErrInvalidArgument)
	}
	if !balance.IsPositive() {
		return nil, fmt.Errorf("initial balance must be positive, got %s: %w", balance, model.ErrInvalidArgument)
	}

	var out *model.Profile
	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		profiles, err := tx.ListProfiles(ctx)
		if err != nil {
			return err
		}
		var p *model.Profile
		for i := range profiles {
			if profiles[i].Name == name {
				p = &profiles[i]
				break
			}
		}

		if p != nil {
			// Re-read to take the row lock.
			if p, err = tx.GetProfile(ctx, p.ID); err != nil {
				return err
			}
			if err := s.reset(ctx, tx, p, balance, emit); err != nil {
				return err
			}
		} else {
			now := s.now()
			p = &model.Profile{
				ID:             s.newID(),
				Name:           name,
				InitialBalance: balance,
				CurrentBalance: balance,
				Epoch:          1,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.PutProfile(ctx, p); err != nil {
				return err
			}
			emit(profileEvent(model.EventProfileCreated, p))
		}

		if !p.Active {
			if err := s.activate(ctx, tx, p, emit); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("portfolio initialized", "id", out.ID, "name", out.Name, "balance", balance.String())
	return out, nil
}

// UpdateSettings replaces a profile's trading defaults. Existing orders keep
// the thresholds they were opened with.
func (s *Service) UpdateSettings(ctx context.Context, profileID string, settings model.ProfileSettings) (*model.Profile, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	var out *model.Profile
	err := s.mutate(ctx, func(tx store.Tx, _ func(model.Event)) error {
		p, err := tx.GetProfile(ctx, profileID)
		if err != nil {
			return err
		}
		p.Settings = settings
		p.UpdatedAt = s.now()
		out = p
		return tx.PutProfile(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteProfile removes a non-default profile and its orders. If it was the
// active profile, the default profile becomes active.
func (s *Service) DeleteProfile(ctx context.Context, profileID string) error {
	if profileID == model.DefaultProfileID {
		return fmt.Errorf("the default profile cannot be deleted: %w", model.ErrPermissionDenied)
	}

	err := s.mutate(ctx, func(tx store.Tx, emit func(model.Event)) error {
		p, err := tx.GetProfile(ctx, profileID)
		if err != nil {
			return err
		}
		if err := tx.DeleteProfile(ctx, profileID); err != nil {
			return err
		}
		emit(profileEvent(model.EventProfileDeleted, p))

		if !p.Active {
			return nil
		}
		next, err := tx.GetProfile(ctx, model.DefaultProfileID)
		if errors.Is(err, model.ErrNotFound) {
			// No default profile: fall back to the oldest remaining one.
			profiles, err := tx.ListProfiles(ctx)
			if err != nil || len(profiles) == 0 {
				return err
			}
			next = &profiles[0]
		} else if err != nil {
			return err
		}
		return s.activate(ctx, tx, next, emit)
	})
	if err != nil {
		return err
	}
	s.log.Info("profile deleted", "id", profileID)
	return nil
}

// --- transaction helpers ---

// activeProfile finds the active profile through any reader.
func activeProfile(ctx context.Context, r store.Reader) (*model.Profile, error) {
	profiles, err := r.ListProfiles(ctx)
	if !usable(err) {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].Active {
			return &profiles[i], err
		}
	}
	return nil, fmt.Errorf("no active profile: %w", model.ErrNotFound)
}

// activate marks p active and every other profile inactive.
func (s *Service) activate(ctx context.Context, tx store.Tx, p *model.Profile, emit func(model.Event)) error {
	profiles, err := tx.ListProfiles(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range profiles {
		other := &profiles[i]
		if other.ID == p.ID || !other.Active {
			continue
		}
		other.Active = false
		other.UpdatedAt = now
		if err := tx.PutProfile(ctx, other); err != nil {
			return err
		}
	}
	p.Active = true
	p.UpdatedAt = now
	if err := tx.PutProfile(ctx, p); err != nil {
		return err
	}
	emit(profileEvent(model.EventProfileSwitched, p))
	return nil
}

// adjust is the only place a balance changes.
func (s *Service) adjust(p *model.Profile, delta decimal.Decimal) error {
	next := p.CurrentBalance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("profile %s balance %s cannot cover %s: %w",
			p.ID, p.CurrentBalance, delta.Neg(), model.ErrInsufficientFunds)
	}
	p.CurrentBalance = next
	p.UpdatedAt = s.now()
	return nil
}

// reset cancels open orders, archives counters and starts a new epoch.
func (s *Service) reset(ctx context.Context, tx store.Tx, p *model.Profile, balance decimal.Decimal, emit func(model.Event)) error {
	open, err := tx.ListOrders(ctx, store.OrderFilter{ProfileID: p.ID, Status: model.StatusOpen})
	if err != nil {
		return err
	}
	now := s.now()
	for i := range open {
		o := &open[i]
		cancelOrder(o, model.ReasonReset, now)
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		emit(orderEvent(model.EventOrderCancelled, o))
	}

	p.Archived.TradeCount += p.TradeCount
	p.Archived.WinCount += p.WinCount
	p.Archived.LossCount += p.LossCount
	p.Archived.RealizedPnL = p.Archived.RealizedPnL.Add(p.RealizedPnL)

	p.TradeCount, p.WinCount, p.LossCount = 0, 0, 0
	p.RealizedPnL = decimal.Zero
	p.BestTrade = decimal.Zero
	p.WorstTrade = decimal.Zero
	p.Epoch++
	p.InitialBalance = balance
	p.CurrentBalance = balance
	p.UpdatedAt = now

	if err := tx.PutProfile(ctx, p); err != nil {
		return err
	}
	emit(profileEvent(model.EventProfileReset, p))
	return nil
}

func validateSettings(st model.ProfileSettings) error {
	if st.DefaultTakeProfitPercent.IsNegative() || st.DefaultStopLossPercent.IsNegative() {
		return fmt.Errorf("default take-profit and stop-loss must not be negative: %w", model.ErrInvalidArgument)
	}
	if st.MaxOpenPositions < 0 {
		return fmt.Errorf("max open positions must not be negative: %w", model.ErrInvalidArgument)
	}
	return nil
}
